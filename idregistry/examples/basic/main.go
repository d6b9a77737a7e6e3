package main

import (
	"context"
	"fmt"
	"log"

	"github.com/ceyewan/gidkit/clog"
	"github.com/ceyewan/gidkit/coord/memstore"
	"github.com/ceyewan/gidkit/idregistry"
	"github.com/ceyewan/gidkit/uid"
)

func main() {
	fmt.Println("=== 全局 ID 注册中心 - 基础用法 ===")

	ctx := context.Background()
	if err := clog.Init(ctx, clog.GetDefaultConfig("development")); err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}

	// 进程内存储，多个 Client 模拟多个实例
	srv := memstore.NewServer()

	reusableDemo(ctx, srv)
	uniqueDemo(ctx, srv)
	snowflakeDemo(ctx, srv)

	fmt.Println("\n=== 基础用法示例完成 ===")
}

func register(ctx context.Context, srv *memstore.Server, cfg *idregistry.Config, identity string) idregistry.Registry {
	client := srv.Connect(memstore.ClientConfig{})
	reg, err := idregistry.New(ctx, client, cfg, idregistry.WithIdentitySource(idregistry.Static(identity)))
	if err != nil {
		log.Fatalf("注册 %s 失败: %v", identity, err)
	}
	return reg
}

// reusableDemo 注销后释放的 ID 会被下一个实例复用
func reusableDemo(ctx context.Context, srv *memstore.Server) {
	fmt.Println("\n--- reusable：分配最小空闲 ID ---")
	cfg := idregistry.GetDefaultConfig(idregistry.Reusable)

	var regs []idregistry.Registry
	for _, ident := range []string{"node-a", "node-b", "node-c"} {
		reg := register(ctx, srv, cfg, ident)
		id, _ := reg.GlobalID()
		fmt.Printf("✓ %s -> %d\n", ident, id)
		regs = append(regs, reg)
	}

	if err := regs[0].CheckAfterAllReady(ctx, 3); err != nil {
		fmt.Printf("  ✗ 集群未就绪: %v\n", err)
	} else {
		fmt.Println("  ✓ 3 个实例全部就绪")
	}

	_ = regs[1].Shutdown(ctx)
	fmt.Println("  node-b 已注销")

	reg := register(ctx, srv, cfg, "node-d")
	id, _ := reg.GlobalID()
	fmt.Printf("✓ node-d -> %d（复用 node-b 的 ID）\n", id)

	for _, r := range append(regs, reg) {
		_ = r.Shutdown(ctx)
	}
}

// uniqueDemo 计数器单调递增，耗尽后由回调决定下一个 ID
func uniqueDemo(ctx context.Context, srv *memstore.Server) {
	fmt.Println("\n--- unique：单调递增，不复用 ---")
	cfg := idregistry.GetDefaultConfig(idregistry.Unique)
	cfg.Topic = "demo/unique"
	cfg.MaxGlobalID = 2

	for i := 0; i < 4; i++ {
		client := srv.Connect(memstore.ClientConfig{})
		reg, err := idregistry.New(ctx, client, cfg,
			idregistry.WithIdentitySource(idregistry.RandomUUID()),
			idregistry.WithExhaustionHandler(func(max int) (int, error) {
				fmt.Printf("  ID 耗尽（上限 %d），从 0 重新开始\n", max)
				return 0, nil
			}))
		if err != nil {
			fmt.Printf("  ✗ 注册失败: %v\n", err)
			continue
		}
		id, _ := reg.GlobalID()
		fmt.Printf("✓ 第 %d 个实例 -> %d\n", i+1, id)
		_ = reg.Shutdown(ctx)
	}
}

// snowflakeDemo 全局 ID 作为 Snowflake 的实例位
func snowflakeDemo(ctx context.Context, srv *memstore.Server) {
	fmt.Println("\n--- 全局 ID 作为 Snowflake 实例位 ---")
	reg := register(ctx, srv, idregistry.GetDefaultConfig(idregistry.Reusable), "node-snowflake")
	defer reg.Shutdown(ctx)

	gen, err := uid.New(ctx, uid.GetDefaultConfig("development"), reg)
	if err != nil {
		log.Fatalf("创建 uid 失败: %v", err)
	}
	defer gen.Close()

	for i := 0; i < 3; i++ {
		id, err := gen.GenerateSnowflake()
		if err != nil {
			fmt.Printf("  ✗ 生成失败: %v\n", err)
			continue
		}
		_, instanceID, sequence := gen.ParseSnowflake(id)
		fmt.Printf("✓ %d（实例 %d，序列 %d）\n", id, instanceID, sequence)
	}
}
