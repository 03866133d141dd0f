// Package localdriver implements driver.ProviderDriver by forking the
// cmd/localdriver child process: a tiny Fiber server for the synchronous
// path and NATS core pub/sub for the queued path, the same two transports
// the teacher wires its worker processes with (Fiber HTTP API, NATS job
// queue) pointed at a single local child instead of a cloud fleet.
package localdriver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"fleetfn/internal/driver"
	"fleetfn/internal/ferrors"
	"fleetfn/internal/wire"
)

// Subject naming mirrors the teacher's queue/nats subject constants, scoped
// per instance so multiple local instances don't cross-talk.
func requestSubject(instanceID string) string  { return "fleetfn.local." + instanceID + ".request" }
func responseSubject(instanceID string) string { return "fleetfn.local." + instanceID + ".response" }
func controlSubject(instanceID string) string  { return "fleetfn.local." + instanceID + ".control" }

type state struct {
	instanceID string
	cmd        *exec.Cmd
	baseURL    string // http://127.0.0.1:<port>, set once the child reports its port

	natsConn *nats.Conn
	sub      *nats.Subscription

	mu    sync.Mutex
	inbox []*wire.ResponseMessage
}

func (s *state) InstanceID() string { return s.instanceID }

// Driver forks one cmd/localdriver child process per Initialize call.
// NATSURL is optional: when empty, queued mode is unavailable and the
// engine must use ModeHTTPS against this driver.
type Driver struct {
	logger       *zap.Logger
	childBinPath string
	natsURL      string
	httpClient   *http.Client
}

// New returns a Driver that forks childBinPath (the cmd/localdriver
// binary) for every Initialize call. natsURL may be "" to disable queued
// mode entirely.
func New(logger *zap.Logger, childBinPath, natsURL string) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		logger:       logger,
		childBinPath: childBinPath,
		natsURL:      natsURL,
		httpClient:   &http.Client{Timeout: 65 * time.Second},
	}
}

// Initialize forks the child process and waits for it to print its bound
// port on stdout (format: "LISTENING:<port>"), then, if natsURL is set,
// connects to NATS and subscribes to this instance's response subject.
func (d *Driver) Initialize(ctx context.Context, modulePath string, cfg driver.Config) (driver.State, error) {
	instanceID := fmt.Sprintf("local-%d", time.Now().UnixNano())

	cmd := exec.CommandContext(ctx, d.childBinPath,
		"-module", modulePath,
		"-instance", instanceID,
		"-nats-url", d.natsURL,
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("localdriver: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("localdriver: start child process: %w", err)
	}

	port, err := readListeningPort(stdout)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("localdriver: child did not report a listening port: %w", err)
	}

	st := &state{
		instanceID: instanceID,
		cmd:        cmd,
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", port),
	}

	if d.natsURL != "" {
		conn, err := nats.Connect(d.natsURL,
			nats.Name("fleetfn-localdriver"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
				d.logger.Warn("localdriver: nats disconnected", zap.Error(err))
			}),
		)
		if err != nil {
			_ = cmd.Process.Kill()
			return nil, fmt.Errorf("localdriver: connect nats: %w", err)
		}
		sub, err := conn.Subscribe(responseSubject(instanceID), func(msg *nats.Msg) {
			rm, err := wire.DecodeResponseMessage(msg.Data)
			if err != nil {
				d.logger.Error("localdriver: decode response message", zap.Error(err))
				return
			}
			st.mu.Lock()
			st.inbox = append(st.inbox, rm)
			st.mu.Unlock()
		})
		if err != nil {
			conn.Close()
			_ = cmd.Process.Kill()
			return nil, fmt.Errorf("localdriver: subscribe: %w", err)
		}
		st.natsConn = conn
		st.sub = sub
	}

	d.logger.Info("localdriver: instance initialized",
		zap.String("instance_id", instanceID), zap.String("base_url", st.baseURL))
	return st, nil
}

// readListeningPort scans the child's stdout for the sentinel line the
// cmd/localdriver main prints once its listening socket is bound, before
// it starts serving on it.
func readListeningPort(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "LISTENING:") {
			return strconv.Atoi(strings.TrimPrefix(line, "LISTENING:"))
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("child process exited before reporting a port")
}

func (d *Driver) InvokeSync(ctx context.Context, s driver.State, call *wire.Call) (*wire.Return, error) {
	st := s.(*state)
	body, err := wire.EncodeCall(call)
	if err != nil {
		return nil, fmt.Errorf("localdriver: encode call: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, st.baseURL+"/invoke", strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindTransient, "localdriver: invoke request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, ferrors.New(ferrors.KindTransient, fmt.Sprintf("localdriver: child returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, ferrors.New(ferrors.KindFatal, fmt.Sprintf("localdriver: child returned %d", resp.StatusCode))
	}

	var ret wire.Return
	if err := json.NewDecoder(resp.Body).Decode(&ret); err != nil {
		return nil, fmt.Errorf("localdriver: decode return: %w", err)
	}
	return &ret, nil
}

func (d *Driver) PublishRequest(ctx context.Context, s driver.State, call *wire.Call) error {
	st := s.(*state)
	if st.natsConn == nil {
		return ferrors.New(ferrors.KindFatal, "localdriver: queued mode requires a nats url")
	}
	data, err := wire.EncodeCall(call)
	if err != nil {
		return fmt.Errorf("localdriver: encode call: %w", err)
	}
	if err := st.natsConn.Publish(requestSubject(st.instanceID), data); err != nil {
		return ferrors.Wrap(ferrors.KindTransient, "localdriver: publish request failed", err)
	}
	return nil
}

func (d *Driver) PollResponseQueue(ctx context.Context, s driver.State) (driver.PollResult, error) {
	st := s.(*state)
	const batchSize = 25
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		st.mu.Lock()
		if len(st.inbox) > 0 {
			n := len(st.inbox)
			if n > batchSize {
				n = batchSize
			}
			batch := st.inbox[:n]
			st.inbox = st.inbox[n:]
			isFull := len(st.inbox) > 0
			st.mu.Unlock()
			return driver.PollResult{Messages: batch, IsFull: isFull}, nil
		}
		st.mu.Unlock()

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return driver.PollResult{}, ctx.Err()
		}
	}
}

func (d *Driver) PublishControl(ctx context.Context, s driver.State, kind driver.ControlKind) error {
	st := s.(*state)
	if st.natsConn == nil {
		return nil
	}
	return st.natsConn.Publish(controlSubject(st.instanceID), []byte(kind))
}

func (d *Driver) LogURL(s driver.State) string {
	st := s.(*state)
	return st.baseURL + "/logs"
}

func (d *Driver) PollLogs(ctx context.Context, s driver.State) (driver.LogBatch, error) {
	st := s.(*state)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, st.baseURL+"/logs/poll", nil)
	if err != nil {
		return driver.LogBatch{}, err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return driver.LogBatch{}, ferrors.Wrap(ferrors.KindTransient, "localdriver: poll logs failed", err)
	}
	defer resp.Body.Close()

	var batch driver.LogBatch
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return driver.LogBatch{}, fmt.Errorf("localdriver: decode log batch: %w", err)
	}
	return batch, nil
}

func (d *Driver) ResponseQueueID(s driver.State) string {
	st := s.(*state)
	if st.natsConn == nil {
		return ""
	}
	return responseSubject(st.instanceID)
}

func (d *Driver) DeleteResources(ctx context.Context, s driver.State) error {
	st := s.(*state)
	if st.sub != nil {
		_ = st.sub.Unsubscribe()
	}
	if st.natsConn != nil {
		st.natsConn.Close()
	}
	if st.cmd != nil && st.cmd.Process != nil {
		_ = st.cmd.Process.Kill()
		_ = st.cmd.Wait()
	}
	return nil
}

func (d *Driver) CostEstimate(s driver.State, invocations, completed, errored int64) (float64, error) {
	return 0, nil // local child process has no metered cost
}
