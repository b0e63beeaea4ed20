package signal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// ErrExited is returned for calls made after signal-cli has exited.
var ErrExited = errors.New("signal-cli subprocess exited")

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("signal-cli rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcLine is any line signal-cli writes: a response when ID is set,
// otherwise a notification.
type rpcLine struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcResponse struct {
	result json.RawMessage
	err    error
}

// Client drives a signal-cli subprocess started with "jsonRpc". Calls
// are correlated to responses by ID; inbound data messages are pushed
// to the Messages channel.
type Client struct {
	command string
	args    []string
	logger  *slog.Logger

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	reader  *bufio.Reader
	waitErr chan error

	nextID  atomic.Int64
	mu      sync.Mutex // guards pending and stdin writes
	pending map[int64]chan rpcResponse

	messages chan *Envelope
	done     chan struct{}
}

// NewClient creates a client. Call Start to launch the subprocess.
func NewClient(command string, args []string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return newClient(command, args, logger.With("transport", "signal"))
}

func newClient(command string, args []string, logger *slog.Logger) *Client {
	return &Client{
		command:  command,
		args:     args,
		logger:   logger,
		pending:  make(map[int64]chan rpcResponse),
		messages: make(chan *Envelope, 64),
		done:     make(chan struct{}),
		waitErr:  make(chan error, 1),
	}
}

// attach wires the client to the subprocess pipes and starts reading.
func (c *Client) attach(stdin io.WriteCloser, stdout io.Reader) {
	c.stdin = stdin
	c.reader = bufio.NewReaderSize(stdout, 1<<20)
	go c.readLoop()
}

// Name identifies the transport in logs and status output.
func (c *Client) Name() string { return "signal" }

// Start launches signal-cli. It must be called exactly once; the
// subprocess is killed when ctx is cancelled.
func (c *Client) Start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.command, c.args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start signal-cli: %w", err)
	}
	c.cmd = cmd

	go c.logStderr(stderr)
	c.attach(stdin, stdout)
	go func() {
		err := cmd.Wait()
		if err != nil {
			c.logger.Error("signal-cli exited with error", "error", err)
		} else {
			c.logger.Info("signal-cli exited")
		}
		c.waitErr <- err
	}()

	c.logger.Info("signal-cli started",
		"command", c.command,
		"pid", cmd.Process.Pid,
	)
	return nil
}

// Messages returns inbound data messages. The channel is closed when
// the subprocess exits.
func (c *Client) Messages() <-chan *Envelope {
	return c.messages
}

// Send delivers a text message. It satisfies the transport interface
// used by the scheduler and the chat handler.
func (c *Client) Send(ctx context.Context, recipient, message string) error {
	_, err := c.SendMessage(ctx, recipient, message)
	return err
}

// SendMessage delivers a text message and returns its server timestamp.
func (c *Client) SendMessage(ctx context.Context, recipient, message string) (int64, error) {
	raw, err := c.call(ctx, "send", map[string]any{
		"recipient": []string{recipient},
		"message":   message,
	})
	if err != nil {
		return 0, fmt.Errorf("signal send: %w", err)
	}

	var result sendResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, fmt.Errorf("unmarshal send result: %w", err)
	}
	return result.Timestamp, nil
}

// SendReceipt marks a received message as read.
func (c *Client) SendReceipt(ctx context.Context, recipient string, timestamp int64) error {
	if _, err := c.call(ctx, "sendReceipt", map[string]any{
		"recipient":       recipient,
		"targetTimestamp": timestamp,
		"type":            "read",
	}); err != nil {
		return fmt.Errorf("signal sendReceipt: %w", err)
	}
	return nil
}

// SendTyping starts or stops the typing indicator.
func (c *Client) SendTyping(ctx context.Context, recipient string, stop bool) error {
	params := map[string]any{"recipient": recipient}
	if stop {
		params["stop"] = true
	}
	if _, err := c.call(ctx, "sendTyping", params); err != nil {
		return fmt.Errorf("signal sendTyping: %w", err)
	}
	return nil
}

// Ping asks signal-cli for its version.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "version", nil)
	return err
}

// Close closes stdin so signal-cli exits, killing it if it has not
// exited after five seconds.
func (c *Client) Close() error {
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	if c.stdin != nil {
		c.stdin.Close()
	}

	select {
	case err := <-c.waitErr:
		return err
	case <-time.After(5 * time.Second):
		c.logger.Warn("signal-cli did not exit, killing", "pid", c.cmd.Process.Pid)
		_ = c.cmd.Process.Kill()
		<-c.waitErr
		return nil
	}
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-c.done:
		return nil, ErrExited
	default:
	}

	id := c.nextID.Add(1)
	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ch := make(chan rpcResponse, 1)
	c.mu.Lock()
	c.pending[id] = ch
	_, err = c.stdin.Write(append(data, '\n'))
	if err != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write to signal-cli: %w", err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case resp := <-ch:
		return resp.result, resp.err
	case <-c.done:
		return nil, ErrExited
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.messages)

	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				c.logger.Error("signal-cli read error", "error", err)
			}
			c.failPending()
			return
		}

		var msg rpcLine
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Debug("signal-cli non-JSON line", "line", string(line))
			continue
		}

		switch {
		case msg.ID != nil:
			c.resolve(*msg.ID, msg)
		case msg.Method == "receive":
			c.dispatch(msg.Params)
		default:
			c.logger.Debug("signal-cli notification ignored", "method", msg.Method)
		}
	}
}

func (c *Client) resolve(id int64, msg rpcLine) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("signal-cli response for unknown id", "id", id)
		return
	}
	resp := rpcResponse{result: msg.Result}
	if msg.Error != nil {
		resp.err = msg.Error
	}
	ch <- resp
}

// dispatch forwards data messages. Typing indicators, receipts and
// sync messages are dropped here.
func (c *Client) dispatch(params json.RawMessage) {
	var notif receiveNotification
	if err := json.Unmarshal(params, &notif); err != nil {
		c.logger.Warn("signal-cli malformed receive notification", "error", err)
		return
	}
	if notif.Envelope.DataMessage == nil {
		return
	}

	select {
	case c.messages <- &notif.Envelope:
	default:
		c.logger.Warn("signal message channel full, dropping message",
			"sender", notif.Envelope.Sender(),
		)
	}
}

func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- rpcResponse{err: ErrExited}
		delete(c.pending, id)
	}
}

func (c *Client) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		c.logger.Debug("signal-cli stderr", "line", scanner.Text())
	}
}
