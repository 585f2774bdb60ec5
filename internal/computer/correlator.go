package computer

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/cc-bridge/internal/infrastructure/logging"
)

// DefaultResponseTimeout bounds a wait when none is configured.
const DefaultResponseTimeout = 10 * time.Second

// CorrelatorOptions configures a Correlator.
type CorrelatorOptions struct {
	Timeout           time.Duration
	ConfirmationToken string
	Logger            *logging.Logger
}

// Correlator pairs outbound commands with the computer's replies.
//
// Two forms are supported. AwaitNext consumes the next frame whatever it
// is and compares it with the confirmation token. Confirm tags the command
// with an id and waits for the response carrying that id; a bare token
// resolves the oldest outstanding request for computers that cannot echo ids.
type Correlator struct {
	dispatcher *Dispatcher
	timeout    time.Duration
	token      string
	logger     *logging.Logger
}

// NewCorrelator creates a correlator sending through d.
func NewCorrelator(d *Dispatcher, opts CorrelatorOptions) *Correlator {
	c := &Correlator{
		dispatcher: d,
		timeout:    opts.Timeout,
		token:      opts.ConfirmationToken,
		logger:     opts.Logger,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultResponseTimeout
	}
	if c.token == "" {
		c.token = DefaultConfirmationToken
	}
	if c.logger == nil {
		c.logger = logging.Discard()
	}
	return c
}

// AwaitNext arms a one-shot listener on link and reports whether the next
// frame is the confirmation token. Any other frame yields false and a warning.
//
// Returns:
//   - bool: true iff the frame's raw text equals the token
//   - error: ErrTimeout, ErrConnectionClosed, or the context's error
func (c *Correlator) AwaitNext(ctx context.Context, link *Link) (bool, error) {
	return c.awaitConfirmation(ctx, link.Arm())
}

func (c *Correlator) awaitConfirmation(ctx context.Context, ls *Listener) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := ls.Wait(ctx)
	if err != nil {
		c.logger.Warn("no confirmation from computer", "error", err)
		return false, err
	}
	if IsConfirmation(msg.Raw, c.token) {
		c.logger.Debug("execution confirmed")
		return true, nil
	}
	c.logger.Warn("unexpected confirmation message",
		"kind", msg.Kind.String(),
		"payload", truncate(msg.Raw, maxLoggedPayload),
	)
	return false, nil
}

// Confirm sends line as a command tagged with a fresh id and waits for the
// matching reply. Exchanges on one link run one at a time.
//
// Returns:
//   - bool: the response's ok field, or true for a bare confirmation token
//   - error: ErrNotConnected, ErrSendFailed, ErrTimeout or ErrConnectionClosed
func (c *Correlator) Confirm(ctx context.Context, line string) (bool, error) {
	link, err := c.dispatcher.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer link.endExchange()

	cmd := EncodeCommand(line)
	cmd.ID = uuid.NewString()

	pending := link.Expect(cmd.ID)
	if err := c.dispatcher.SendCommand(ctx, link, cmd); err != nil {
		pending.Cancel()
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ok, err := pending.Wait(ctx)
	if err != nil {
		c.logger.Warn("no response to command", "command", cmd.Command, "id", cmd.ID, "error", err)
		return false, err
	}
	if !ok {
		c.logger.Warn("computer rejected command", "command", cmd.Command, "id", cmd.ID)
	}
	return ok, nil
}

// SetLabel asks the computer to relabel itself. Without verify the command
// is sent and true is returned immediately.
func (c *Correlator) SetLabel(ctx context.Context, label string, verify bool) (bool, error) {
	line := "setLabel " + label
	if !verify {
		if _, err := c.dispatcher.Dispatch(ctx, line); err != nil {
			return false, err
		}
		return true, nil
	}
	return c.Confirm(ctx, line)
}
