// Package bridge translates queue events to a serial ticket display and
// device button presses back into queue operations. It consumes the same
// public event feed as any other viewer and resynchronizes by polling, so a
// dropped event heals within one poll interval.
package bridge

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"qflow/internal/hub"
	"qflow/internal/models"
)

const (
	ModeKiosk = "kiosk"
	ModeStaff = "staff"

	AdvanceDone    = "done"
	AdvanceSkipped = "skipped"
	AdvanceNone    = "none"

	buttonDebounce = 400 * time.Millisecond
	advanceReason  = "bridge auto-advance"
)

// Caller issues queue operations against the server on behalf of the
// device. Implemented by the HTTP client in client.go.
type Caller interface {
	ClaimTicket(holderName, holderCode string) error
	CallNext() error
	UpdateStatus(ticketID, status, reason string) error
	QueueTickets() ([]models.Ticket, error)
}

type Bridge struct {
	mode    string
	advance string
	api     Caller
	device  io.Writer

	mu         sync.Mutex
	current    *models.Ticket
	lastButton time.Time
}

func New(mode, advance string, api Caller, device io.Writer) *Bridge {
	if mode != ModeStaff {
		mode = ModeKiosk
	}
	switch advance {
	case AdvanceDone, AdvanceSkipped, AdvanceNone:
	default:
		advance = AdvanceDone
	}
	return &Bridge{mode: mode, advance: advance, api: api, device: device}
}

// DisplayFrame is the device command showing a ticket number, zero padded
// to four digits.
func DisplayFrame(number int) string {
	return fmt.Sprintf("D,%04d\n", number)
}

func ResetFrame() string {
	return DisplayFrame(0)
}

// HandleEvent applies one pushed event from the socket feed.
func (b *Bridge) HandleEvent(env hub.Envelope) {
	switch env.Event {
	case hub.EventTicketCalled:
		var ticket models.Ticket
		if err := json.Unmarshal(env.Payload, &ticket); err != nil {
			log.Printf("bridge: bad ticket-called payload: %v", err)
			return
		}
		b.setCurrent(&ticket)
		b.write(DisplayFrame(ticket.Number))
	case hub.EventTicketUpdated:
		var ticket models.Ticket
		if err := json.Unmarshal(env.Payload, &ticket); err != nil {
			log.Printf("bridge: bad ticket-updated payload: %v", err)
			return
		}
		b.mu.Lock()
		if b.current != nil && b.current.TicketID == ticket.TicketID && models.Terminal(ticket.Status) {
			b.current = nil
		}
		b.mu.Unlock()
	case hub.EventQueueReset:
		b.setCurrent(nil)
		b.write(ResetFrame())
	}
}

// HandleSerialLine reacts to one line read from the device. "N" is the
// walk-up button (kiosk: claim a ticket; staff: advance the current ticket
// per configuration, then call next). "C" is the explicit call-next button.
func (b *Bridge) HandleSerialLine(line string) {
	msg := strings.TrimSpace(line)
	switch msg {
	case "N":
		if !b.debounce() {
			return
		}
		if b.mode == ModeStaff {
			b.advanceCurrent()
			if err := b.api.CallNext(); err != nil {
				log.Printf("bridge: call-next failed: %v", err)
			}
			return
		}
		holderCode := fmt.Sprintf("%d", time.Now().UnixMilli())
		if err := b.api.ClaimTicket("Kiosk", holderCode); err != nil {
			log.Printf("bridge: claim failed: %v", err)
		}
	case "C":
		if err := b.api.CallNext(); err != nil {
			log.Printf("bridge: call-next failed: %v", err)
		}
	default:
		if msg != "" {
			log.Printf("bridge: ignore serial line %q", msg)
		}
	}
}

// Resync pulls the full ticket list and rebuilds the display state. This is
// the polling half of the push+poll pair: it runs on (re)connect and on a
// bounded interval.
func (b *Bridge) Resync() error {
	tickets, err := b.api.QueueTickets()
	if err != nil {
		return err
	}
	var serving *models.Ticket
	for i := range tickets {
		if tickets[i].Status == models.StatusServing {
			serving = &tickets[i]
			break
		}
	}
	b.setCurrent(serving)
	if serving != nil {
		b.write(DisplayFrame(serving.Number))
	} else {
		b.write(ResetFrame())
	}
	return nil
}

func (b *Bridge) advanceCurrent() {
	if b.advance == AdvanceNone {
		return
	}
	b.mu.Lock()
	current := b.current
	b.mu.Unlock()
	if current == nil {
		return
	}
	if err := b.api.UpdateStatus(current.TicketID, b.advance, advanceReason); err != nil {
		log.Printf("bridge: advance current ticket failed: %v", err)
		return
	}
	b.setCurrent(nil)
}

func (b *Bridge) setCurrent(ticket *models.Ticket) {
	b.mu.Lock()
	b.current = ticket
	b.mu.Unlock()
}

func (b *Bridge) debounce() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if now.Sub(b.lastButton) < buttonDebounce {
		return false
	}
	b.lastButton = now
	return true
}

func (b *Bridge) write(frame string) {
	if b.device == nil {
		return
	}
	if _, err := io.WriteString(b.device, frame); err != nil {
		log.Printf("bridge: serial write failed: %v", err)
	}
}
