package computer

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/cc-bridge/internal/infrastructure/logging"
)

// Dispatcher sends operator commands to the active computer. It never
// waits for a reply.
type Dispatcher struct {
	conns  *ConnectionManager
	logger *logging.Logger
}

// NewDispatcher creates a dispatcher over conns.
func NewDispatcher(conns *ConnectionManager, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{conns: conns, logger: logger}
}

// ActiveLink returns the active link if it is open.
func (d *Dispatcher) ActiveLink() (*Link, error) {
	link := d.conns.Active()
	if link == nil || !link.IsOpen() {
		return nil, ErrNotConnected
	}
	return link, nil
}

// Dispatch encodes line as a command and sends it as one frame. While a
// verified command on the link is awaiting its reply, Dispatch waits for it
// to finish so the reply cannot be mistaken for one to this command.
//
// Parameters:
//   - ctx: Bounds the write
//   - line: Operator text; first word is the command, the rest its arguments
//
// Returns:
//   - Command: The command that was sent
//   - error: ErrNotConnected when no open link exists (nothing is sent),
//     ErrSendFailed when the write fails
func (d *Dispatcher) Dispatch(ctx context.Context, line string) (Command, error) {
	link, err := d.acquire(ctx)
	if err != nil {
		return Command{}, err
	}
	defer link.endExchange()

	cmd := EncodeCommand(line)
	if err := d.SendCommand(ctx, link, cmd); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// acquire returns the active link with its exchange held. The caller must
// call endExchange.
func (d *Dispatcher) acquire(ctx context.Context) (*Link, error) {
	link, err := d.ActiveLink()
	if err != nil {
		return nil, err
	}
	if err := link.beginExchange(ctx); err != nil {
		if errors.Is(err, ErrConnectionClosed) {
			return nil, fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
		return nil, err
	}
	return link, nil
}

// SendCommand sends cmd on a specific link. The caller holds the link's exchange.
func (d *Dispatcher) SendCommand(ctx context.Context, link *Link, cmd Command) error {
	data, err := cmd.Marshal()
	if err != nil {
		return err
	}
	if err := d.send(ctx, link, data); err != nil {
		return err
	}
	d.logger.Info("command sent", "command", cmd.Command, "args", cmd.Args, "id", cmd.ID)
	return nil
}

// SendText sends text verbatim as one frame to the active link.
func (d *Dispatcher) SendText(ctx context.Context, text string) error {
	link, err := d.acquire(ctx)
	if err != nil {
		return err
	}
	defer link.endExchange()
	return d.sendText(ctx, link, text)
}

func (d *Dispatcher) sendText(ctx context.Context, link *Link, text string) error {
	if err := d.send(ctx, link, []byte(text)); err != nil {
		return err
	}
	d.logger.Debug("text frame sent", "text", text)
	return nil
}

func (d *Dispatcher) send(ctx context.Context, link *Link, data []byte) error {
	err := link.Send(ctx, data)
	switch {
	case err == nil:
		return nil
	case !link.IsOpen():
		// The link closed between lookup and write.
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	default:
		d.logger.Warn("send to computer failed", "link_id", link.ID(), "error", err)
		return err
	}
}
