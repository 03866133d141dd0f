// Command localdriver is the child process internal/driver/localdriver
// forks: a tiny Fiber server for synchronous calls and, when started with
// -nats-url, a NATS core subscriber for queued calls. It loads a
// hardcoded demo function map (dynamic module loading from source is
// outside what a compiled Go binary can do) and serves it the same way a
// provider's real function runtime would serve a deployed handler.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"fleetfn/internal/demofuncs"
	"fleetfn/internal/driver"
	"fleetfn/internal/wire"
)

func main() {
	module := flag.String("module", "", "path to the user module (unused by the demo function map)")
	instance := flag.String("instance", "", "instance id assigned by the parent driver")
	natsURL := flag.String("nats-url", "", "NATS server url; empty disables queued mode")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()
	logger.Info("localdriver child starting", zap.String("module", *module), zap.String("instance", *instance))

	registry := demofuncs.Registry()

	var logMu sync.Mutex
	var logEvents []driver.LogEvent

	logFn := func(callID, message string) {
		logMu.Lock()
		defer logMu.Unlock()
		logEvents = append(logEvents, driver.LogEvent{
			ID: callID + "-" + fmt.Sprint(len(logEvents)), Timestamp: time.Now(), Message: message,
		})
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(requestid.New())

	app.Get("/healthz", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	app.Post("/invoke", func(c *fiber.Ctx) error {
		var call wire.Call
		if err := json.Unmarshal(c.Body(), &call); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		ret := invoke(registry, &call, logFn)
		return c.JSON(ret)
	})

	app.Get("/logs/poll", func(c *fiber.Ctx) error {
		logMu.Lock()
		batch := logEvents
		logEvents = nil
		logMu.Unlock()
		return c.JSON(driver.LogBatch{Events: batch})
	})

	var natsConn *nats.Conn
	if *natsURL != "" {
		conn, err := nats.Connect(*natsURL, nats.Name("fleetfn-localdriver-child"))
		if err != nil {
			logger.Fatal("connect nats", zap.Error(err))
		}
		natsConn = conn
		defer natsConn.Close()

		requestSubject := "fleetfn.local." + *instance + ".request"
		responseSubject := "fleetfn.local." + *instance + ".response"
		controlSubject := "fleetfn.local." + *instance + ".control"

		stop := make(chan struct{})
		ctrlSub, err := natsConn.Subscribe(controlSubject, func(msg *nats.Msg) {
			if string(msg.Data) == "stopqueue" {
				close(stop)
			}
		})
		if err != nil {
			logger.Fatal("subscribe control", zap.Error(err))
		}
		defer ctrlSub.Unsubscribe()

		reqSub, err := natsConn.Subscribe(requestSubject, func(msg *nats.Msg) {
			var call wire.Call
			if err := json.Unmarshal(msg.Data, &call); err != nil {
				logger.Error("decode queued call", zap.Error(err))
				return
			}
			ret := invoke(registry, &call, logFn)
			rm := wire.ResponseMessage{Kind: wire.MessageResponse, CallID: call.CallID, Return: ret}
			data, err := json.Marshal(rm)
			if err != nil {
				logger.Error("encode response message", zap.Error(err))
				return
			}
			if err := natsConn.Publish(responseSubject, data); err != nil {
				logger.Error("publish response", zap.Error(err))
			}
		})
		if err != nil {
			logger.Fatal("subscribe request", zap.Error(err))
		}
		defer reqSub.Unsubscribe()

		go func() {
			<-stop
			logger.Info("received stopqueue control message")
		}()
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}
	port := listener.Addr().(*net.TCPAddr).Port
	// The sentinel line the parent driver scans for on stdout.
	fmt.Printf("LISTENING:%d\n", port)

	go func() {
		if err := app.Listener(listener); err != nil {
			logger.Error("fiber server stopped", zap.Error(err))
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()
	_ = app.Shutdown()
}

// invoke runs a function call against registry, translating panics and
// unknown-name lookups into the same wire.Return shapes a real provider
// runtime would produce.
func invoke(registry map[string]demofuncs.Func, call *wire.Call, logFn func(callID, message string)) *wire.Return {
	start := time.Now()
	fn, ok := registry[call.Name]
	if !ok {
		return &wire.Return{
			Kind:   wire.KindError,
			CallID: call.CallID,
			Error:  &wire.ErrorInfo{Name: "TransportFatal", Message: fmt.Sprintf("no such function: %s", call.Name)},
		}
	}

	logFn(call.CallID, fmt.Sprintf("invoking %s", call.Name))

	value, err := safeInvoke(fn, call.Args)
	end := time.Now()
	if err != nil {
		return &wire.Return{
			Kind:   wire.KindError,
			CallID: call.CallID,
			Error:  &wire.ErrorInfo{Name: "UserError", Message: err.Error()},
		}
	}

	return &wire.Return{
		Kind:                 wire.KindReturned,
		CallID:               call.CallID,
		Value:                value,
		RemoteExecutionStart: start.UnixMilli(),
		RemoteExecutionEnd:   end.UnixMilli(),
		RemoteResponseSent:   time.Now().UnixMilli(),
		InstanceID:           os.Getenv("HOSTNAME"),
	}
}

func safeInvoke(fn demofuncs.Func, args json.RawMessage) (value json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(args)
}
