package idregistry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 注册中心的指标收集接口
type Metrics interface {
	// RecordRegistration 记录一次注册结果（success/failure）
	RecordRegistration(topic, mode, outcome string)
	// SetGlobalID 记录分配到的全局 ID
	SetGlobalID(topic string, id int)
	// RecordHeartbeat 记录一次心跳结果（success/failure/timeout/rejected）
	RecordHeartbeat(topic, outcome string)
	// SetHeartbeatDelay 记录下一次心跳前的等待秒数
	SetHeartbeatDelay(topic string, seconds float64)
	// RecordRepair 记录一次自愈（ids/identities/both）
	RecordRepair(topic, node string)
	// RecordFatal 记录一次致命错误
	RecordFatal(topic, code string)
	// RecordUnregistration 记录注销时命中的映射状态
	RecordUnregistration(topic, state string)
}

// NopMetrics 丢弃所有指标
type NopMetrics struct{}

var _ Metrics = (*NopMetrics)(nil)

// NewNop 创建空实现
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

func (*NopMetrics) RecordRegistration(_, _, _ string)     {}
func (*NopMetrics) SetGlobalID(_ string, _ int)           {}
func (*NopMetrics) RecordHeartbeat(_, _ string)           {}
func (*NopMetrics) SetHeartbeatDelay(_ string, _ float64) {}
func (*NopMetrics) RecordRepair(_, _ string)              {}
func (*NopMetrics) RecordFatal(_, _ string)               {}
func (*NopMetrics) RecordUnregistration(_, _ string)      {}

// PrometheusMetrics 基于 Prometheus 的实现，首次使用时注册
type PrometheusMetrics struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	registrations   *prometheus.CounterVec
	globalID        *prometheus.GaugeVec
	heartbeats      *prometheus.CounterVec
	heartbeatDelay  *prometheus.GaugeVec
	repairs         *prometheus.CounterVec
	fatals          *prometheus.CounterVec
	unregistrations *prometheus.CounterVec
}

var _ Metrics = (*PrometheusMetrics)(nil)

// NewPrometheus 创建 Prometheus 指标收集器
// reg 为 nil 时使用 prometheus.DefaultRegisterer，namespace 为空时使用 "gidkit"
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "gidkit"
	}
	return &PrometheusMetrics{reg: reg, namespace: namespace}
}

func (p *PrometheusMetrics) ensureRegistered() {
	p.once.Do(func() {
		p.registrations = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "idregistry",
			Name:      "registrations_total",
			Help:      "Registration attempts by outcome.",
		}, []string{"topic", "mode", "outcome"})
		p.globalID = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "idregistry",
			Name:      "global_id",
			Help:      "Global id assigned to this instance.",
		}, []string{"topic"})
		p.heartbeats = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "idregistry",
			Name:      "heartbeats_total",
			Help:      "Heartbeat ticks by outcome (success, failure, timeout, rejected).",
		}, []string{"topic", "outcome"})
		p.heartbeatDelay = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "idregistry",
			Name:      "heartbeat_delay_seconds",
			Help:      "Current delay before the next heartbeat tick.",
		}, []string{"topic"})
		p.repairs = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "idregistry",
			Name:      "repairs_total",
			Help:      "Mapping nodes recreated by the heartbeat.",
		}, []string{"topic", "node"})
		p.fatals = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "idregistry",
			Name:      "fatal_errors_total",
			Help:      "Fatal errors reported by the heartbeat, by error code.",
		}, []string{"topic", "code"})
		p.unregistrations = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "idregistry",
			Name:      "unregistrations_total",
			Help:      "Unregistrations by observed mapping state.",
		}, []string{"topic", "state"})

		p.reg.MustRegister(p.registrations)
		p.reg.MustRegister(p.globalID)
		p.reg.MustRegister(p.heartbeats)
		p.reg.MustRegister(p.heartbeatDelay)
		p.reg.MustRegister(p.repairs)
		p.reg.MustRegister(p.fatals)
		p.reg.MustRegister(p.unregistrations)
	})
}

func (p *PrometheusMetrics) RecordRegistration(topic, mode, outcome string) {
	p.ensureRegistered()
	p.registrations.WithLabelValues(topic, mode, outcome).Inc()
}

func (p *PrometheusMetrics) SetGlobalID(topic string, id int) {
	p.ensureRegistered()
	p.globalID.WithLabelValues(topic).Set(float64(id))
}

func (p *PrometheusMetrics) RecordHeartbeat(topic, outcome string) {
	p.ensureRegistered()
	p.heartbeats.WithLabelValues(topic, outcome).Inc()
}

func (p *PrometheusMetrics) SetHeartbeatDelay(topic string, seconds float64) {
	p.ensureRegistered()
	p.heartbeatDelay.WithLabelValues(topic).Set(seconds)
}

func (p *PrometheusMetrics) RecordRepair(topic, node string) {
	p.ensureRegistered()
	p.repairs.WithLabelValues(topic, node).Inc()
}

func (p *PrometheusMetrics) RecordFatal(topic, code string) {
	p.ensureRegistered()
	p.fatals.WithLabelValues(topic, code).Inc()
}

func (p *PrometheusMetrics) RecordUnregistration(topic, state string) {
	p.ensureRegistered()
	p.unregistrations.WithLabelValues(topic, state).Inc()
}
