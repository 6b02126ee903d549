package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// ConsolePrompter asks the local operator for the code of every pending pairing.
type ConsolePrompter struct {
	In      io.Reader
	Out     io.Writer
	Manager *PairingManager
	Logger  *zap.Logger
}

// Run prompts for pending pairings until ctx ends or In is exhausted.
func (p *ConsolePrompter) Run(ctx context.Context) error {
	if p.Manager == nil {
		return errors.New("pairing manager is required")
	}
	log := p.Logger
	if log == nil {
		log = zap.NewNop()
	}

	lines := make(chan consoleLine)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(p.In)
		for scanner.Scan() {
			select {
			case lines <- consoleLine{text: scanner.Text(), at: time.Now()}:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var pending PendingPairing
		select {
		case <-ctx.Done():
			return nil
		case pending = <-p.Manager.Pending():
		case line, ok := <-lines:
			if !ok {
				return p.closed(ctx, log)
			}
			log.Debug("ignored console input", zap.Int("length", len(line.text)))
			continue
		}

		promptedAt := time.Now()
		fmt.Fprintf(p.Out, "Pairing request from %q. Enter the code read aloud: ", pending.Name)

		timer := time.NewTimer(time.Until(pending.ExpiresAt))
	wait:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
				fmt.Fprintln(p.Out)
				fmt.Fprintf(p.Out, "Pairing request from %q expired.\n", pending.Name)
				p.Manager.Sweep()
				break wait
			case line, ok := <-lines:
				if !ok {
					timer.Stop()
					return p.closed(ctx, log)
				}
				// Input typed before the prompt belongs to nobody.
				if line.at.Before(promptedAt) {
					log.Debug("ignored console input", zap.Int("length", len(line.text)))
					continue
				}
				timer.Stop()
				p.resolve(log, pending, line.text)
				break wait
			}
		}
	}
}

type consoleLine struct {
	text string
	at   time.Time
}

func (p *ConsolePrompter) closed(ctx context.Context, log *zap.Logger) error {
	log.Warn("console closed, pairing prompts disabled")
	<-ctx.Done()
	return nil
}

func (p *ConsolePrompter) resolve(log *zap.Logger, pending PendingPairing, code string) {
	session, err := p.Manager.Resolve(pending.SessionID, code)
	switch {
	case err != nil:
		fmt.Fprintf(p.Out, "Pairing with %q failed: %v\n", pending.Name, err)
		log.Warn("resolve pairing failed", zap.String("name", pending.Name), zap.Error(err))
	case session.Status == PairingAccepted:
		fmt.Fprintf(p.Out, "Paired with %q.\n", pending.Name)
	default:
		fmt.Fprintf(p.Out, "Code mismatch, pairing with %q rejected.\n", pending.Name)
	}
}
