// Command demo is the walkthrough entrypoint: it provisions the demo
// function map against internal/driver/localdriver (no cloud credentials
// needed), invokes a handful of calls (synchronously, or through the queue
// path when -nats-url is given), prints a stats tick and a cost estimate, then tears everything
// down. It exists to exercise lifecycle.Initialize end to end the same
// way a real caller would use the package.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"fleetfn/internal/driver"
	"fleetfn/internal/driver/localdriver"
	"fleetfn/internal/lifecycle"
)

func main() {
	natsURL := flag.String("nats-url", "", "NATS server url; enables queued mode instead of synchronous HTTPS")
	childBin := flag.String("child-bin", "", "path to a prebuilt cmd/localdriver binary; built on the fly when empty")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	bin := *childBin
	if bin == "" {
		built, cleanup, err := buildChild()
		if err != nil {
			logger.Fatal("build cmd/localdriver", zap.Error(err))
		}
		defer cleanup()
		bin = built
	}

	drv := localdriver.New(logger, bin, *natsURL)

	cfg := driver.DefaultConfig()
	cfg.Mode = driver.ModeAuto
	cfg.Timeout = 10 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	inst, err := lifecycle.Initialize(ctx, "./internal/demofuncs", lifecycle.Options{
		Driver: drv,
		Config: cfg,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("initialize", zap.Error(err))
	}
	defer inst.Cleanup(context.Background(), lifecycle.DefaultCleanupOptions())

	inst.OnStats(func(e lifecycle.FunctionStatsEvent) {
		logger.Info("stats",
			zap.String("function", e.Function),
			zap.Int64("invocations", e.Counters.Invocations),
			zap.Int64("completed", e.Counters.Completed),
			zap.Int64("errors", e.Counters.Errors),
		)
	})

	var greeting string
	if err := inst.Invoke(ctx, "hello", []string{"fleetfn"}, &greeting); err != nil {
		logger.Fatal("invoke hello", zap.Error(err))
	}
	fmt.Println(greeting)

	var sum float64
	if err := inst.Invoke(ctx, "add", []float64{1, 2, 3, 4}, &sum); err != nil {
		logger.Fatal("invoke add", zap.Error(err))
	}
	fmt.Printf("add(1,2,3,4) = %v\n", sum)

	var fib int
	if err := inst.Invoke(ctx, "fibonacci", []int{20}, &fib); err != nil {
		logger.Fatal("invoke fibonacci", zap.Error(err))
	}
	fmt.Printf("fibonacci(20) = %v\n", fib)

	if _, err := inst.InvokeRaw(ctx, "fail", []string{"demo: expected failure"}); err != nil {
		fmt.Printf("fail returned the expected error: %v\n", err)
	}

	time.Sleep(1200 * time.Millisecond)

	estimate, err := inst.CostEstimate(ctx)
	if err != nil {
		logger.Warn("cost estimate", zap.Error(err))
	} else {
		fmt.Printf("cost estimate: $%.6f\n", estimate)
	}
}

// buildChild compiles cmd/localdriver into a temp binary so the demo
// doesn't require the caller to have built it beforehand.
func buildChild() (path string, cleanup func(), err error) {
	dir, err := os.MkdirTemp("", "fleetfn-demo")
	if err != nil {
		return "", nil, err
	}
	out := dir + "/localdriver"
	cmd := exec.Command("go", "build", "-o", out, "./cmd/localdriver")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		os.RemoveAll(dir)
		return "", nil, fmt.Errorf("go build cmd/localdriver: %w", err)
	}
	return out, func() { os.RemoveAll(dir) }, nil
}
