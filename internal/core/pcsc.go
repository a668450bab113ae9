package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ebfe/scard"

	"github.com/SimplyPrint/nfc-wedge/internal/logging"
)

// PnPNotification is the pseudo reader that reports reader arrival/removal.
const PnPNotification = `\\?PnP?\Notification`

// WatchPollInterval bounds each GetStatusChange wait so reader lists are
// refreshed even on stacks without PnP notification support.
const WatchPollInterval = 2 * time.Second

// EstablishContext opens a real PC/SC context.
func (DefaultContextFactory) EstablishContext() (SmartCardContext, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, err
	}
	return &scardContext{ctx: ctx}, nil
}

type scardContext struct {
	ctx *scard.Context
}

func (c *scardContext) ListReaders() ([]string, error) {
	return c.ctx.ListReaders()
}

func (c *scardContext) Connect(reader string, shareMode uint32, protocol uint32) (SmartCard, error) {
	card, err := c.ctx.Connect(reader, scard.ShareMode(shareMode), scard.Protocol(protocol))
	if err != nil {
		return nil, err
	}
	return &scardCard{card: card}, nil
}

func (c *scardContext) GetStatusChange(states []ReaderState, timeout time.Duration) error {
	rs := make([]scard.ReaderState, len(states))
	for i, s := range states {
		rs[i] = scard.ReaderState{
			Reader:       s.Reader,
			CurrentState: scard.StateFlag(s.CurrentState),
		}
	}
	err := c.ctx.GetStatusChange(rs, timeout)
	for i := range rs {
		states[i].EventState = uint32(rs[i].EventState)
		states[i].Atr = cloneBytes(rs[i].Atr)
	}
	return err
}

func (c *scardContext) Cancel() error  { return c.ctx.Cancel() }
func (c *scardContext) Release() error { return c.ctx.Release() }

type scardCard struct {
	card *scard.Card
}

func (c *scardCard) Transmit(cmd []byte) ([]byte, error) {
	return c.card.Transmit(cmd)
}

func (c *scardCard) Status() (SmartCardStatus, error) {
	st, err := c.card.Status()
	if err != nil {
		return SmartCardStatus{}, err
	}
	return SmartCardStatus{
		Reader:         st.Reader,
		State:          uint32(st.State),
		ActiveProtocol: uint32(st.ActiveProtocol),
		Atr:            cloneBytes(st.Atr),
	}, nil
}

func (c *scardCard) Disconnect(disposition uint32) error {
	return c.card.Disconnect(scard.Disposition(disposition))
}

// PCSCGateway implements Gateway on top of a PC/SC context.
type PCSCGateway struct {
	factory ContextFactory
	ctx     SmartCardContext
	filter  string

	mu      sync.Mutex
	closed  bool
	watches []SmartCardContext
}

// NewPCSCGateway establishes a context. Failure means the smart card service
// is not running and is reported as KindServiceUnavailable.
func NewPCSCGateway(factory ContextFactory) (*PCSCGateway, error) {
	if factory == nil {
		factory = DefaultContextFactory{}
	}
	ctx, err := factory.EstablishContext()
	if err != nil {
		return nil, NewError(KindServiceUnavailable, "establish context", err)
	}
	return &PCSCGateway{factory: factory, ctx: ctx}, nil
}

// SetReaderFilter restricts the gateway to readers whose name contains
// substr, case-insensitively. Empty means all readers.
func (g *PCSCGateway) SetReaderFilter(substr string) {
	g.mu.Lock()
	g.filter = strings.ToLower(strings.TrimSpace(substr))
	g.mu.Unlock()
}

// ListReaders returns the attached readers. No readers is not an error.
func (g *PCSCGateway) ListReaders() ([]string, error) {
	return g.listReaders(g.ctx)
}

func (g *PCSCGateway) listReaders(ctx SmartCardContext) ([]string, error) {
	readers, err := ctx.ListReaders()
	if err != nil {
		if errors.Is(err, scard.ErrNoReadersAvailable) {
			return []string{}, nil
		}
		if isServiceError(err) {
			return nil, NewError(KindServiceUnavailable, "list readers", err)
		}
		return nil, fmt.Errorf("list readers: %w", err)
	}
	g.mu.Lock()
	filter := g.filter
	g.mu.Unlock()

	out := make([]string, 0, len(readers))
	for _, r := range readers {
		if filter != "" && !strings.Contains(strings.ToLower(r), filter) {
			continue
		}
		out = append(out, r)
	}
	sort.Strings(out)
	return out, nil
}

// Connect opens a shared session to the card on reader.
func (g *PCSCGateway) Connect(reader string) (Session, error) {
	card, err := g.ctx.Connect(reader, uint32(scard.ShareShared), uint32(scard.ProtocolAny))
	if err != nil {
		return nil, fmt.Errorf("connect %q: %w", reader, err)
	}
	st, err := card.Status()
	if err != nil {
		card.Disconnect(uint32(scard.LeaveCard))
		return nil, fmt.Errorf("card status: %w", err)
	}
	return &pcscSession{card: card, atr: st.Atr}, nil
}

// Watch starts a watcher on its own PC/SC context, since GetStatusChange
// blocks the context it runs on.
func (g *PCSCGateway) Watch(ctx context.Context) (<-chan GatewayEvent, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, errors.New("gateway closed")
	}
	g.mu.Unlock()

	wctx, err := g.factory.EstablishContext()
	if err != nil {
		return nil, NewError(KindServiceUnavailable, "establish context", err)
	}
	g.mu.Lock()
	g.watches = append(g.watches, wctx)
	g.mu.Unlock()

	events := make(chan GatewayEvent, EventQueueSize)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			wctx.Cancel()
		case <-done:
		}
	}()
	go func() {
		defer logging.RecoverAndLog("pcsc-watch", false)
		defer close(events)
		defer close(done)
		defer g.releaseWatch(wctx)
		g.watch(ctx, wctx, events)
	}()
	return events, nil
}

func (g *PCSCGateway) releaseWatch(wctx SmartCardContext) {
	g.mu.Lock()
	for i, w := range g.watches {
		if w == wctx {
			g.watches = append(g.watches[:i], g.watches[i+1:]...)
			break
		}
	}
	g.mu.Unlock()
	wctx.Release()
}

type readerSlot struct {
	state   uint32
	present bool
}

func (g *PCSCGateway) watch(ctx context.Context, wctx SmartCardContext, events chan<- GatewayEvent) {
	known := map[string]*readerSlot{}
	pnp := ReaderState{Reader: PnPNotification, CurrentState: ReaderStateUnaware}
	usePnP := true

	send := func(ev GatewayEvent) bool {
		ev.At = time.Now()
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}
		readers, err := g.listReaders(wctx)
		if err != nil {
			if ctx.Err() == nil {
				send(GatewayEvent{Kind: EventChannelError, Err: NewError(KindChannelFault, "list readers", err)})
			}
			return
		}

		// Readers that went away take their card with them.
		current := make(map[string]bool, len(readers))
		for _, r := range readers {
			current[r] = true
		}
		for name, slot := range known {
			if current[name] {
				continue
			}
			delete(known, name)
			if slot.present {
				logging.Info(logging.CatCard, "Reader removed with card present", map[string]any{"reader": name})
				if !send(GatewayEvent{Kind: EventRemoved, Reader: name}) {
					return
				}
			}
		}

		states := make([]ReaderState, 0, len(readers)+1)
		for _, r := range readers {
			slot, ok := known[r]
			if !ok {
				slot = &readerSlot{state: ReaderStateUnaware}
				known[r] = slot
				logging.Info(logging.CatCard, "Reader attached", map[string]any{"reader": r})
			}
			states = append(states, ReaderState{Reader: r, CurrentState: slot.state})
		}
		if usePnP {
			states = append(states, pnp)
		}
		if len(states) == 0 {
			// GetStatusChange needs at least one reader; poll the list.
			t := time.NewTimer(WatchPollInterval)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			continue
		}

		err = wctx.GetStatusChange(states, WatchPollInterval)
		switch {
		case err == nil:
		case errors.Is(err, scard.ErrTimeout):
			continue
		case errors.Is(err, scard.ErrCancelled) && ctx.Err() != nil:
			return
		case errors.Is(err, scard.ErrUnknownReader) && usePnP:
			// Stacks without the PnP pseudo reader fall back to polling.
			usePnP = false
			continue
		case errors.Is(err, scard.ErrNoReadersAvailable) || errors.Is(err, scard.ErrUnknownReader):
			continue
		default:
			if ctx.Err() != nil {
				return
			}
			send(GatewayEvent{Kind: EventChannelError, Err: NewError(KindChannelFault, "get status change", err)})
			return
		}

		for _, st := range states {
			if st.Reader == PnPNotification {
				pnp.CurrentState = st.EventState &^ ReaderStateChanged
				continue
			}
			slot := known[st.Reader]
			if slot == nil {
				continue
			}
			slot.state = st.EventState &^ ReaderStateChanged
			present := st.EventState&ReaderStatePresent != 0
			if present == slot.present {
				continue
			}
			slot.present = present
			ev := GatewayEvent{Kind: EventRemoved, Reader: st.Reader}
			if present {
				ev = GatewayEvent{Kind: EventInserted, Reader: st.Reader, ATR: cloneBytes(st.Atr)}
			}
			if !send(ev) {
				return
			}
		}
	}
}

// Close cancels running watches and releases the context.
func (g *PCSCGateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	watches := append([]SmartCardContext(nil), g.watches...)
	g.mu.Unlock()

	for _, w := range watches {
		w.Cancel()
	}
	return g.ctx.Release()
}

func isServiceError(err error) bool {
	return errors.Is(err, scard.ErrNoService) || errors.Is(err, scard.ErrServiceStopped)
}

type pcscSession struct {
	card SmartCard
	atr  []byte
}

func (s *pcscSession) ATR() []byte { return cloneBytes(s.atr) }

func (s *pcscSession) Transmit(cmd CommandFrame) (ResponseFrame, error) {
	raw, err := s.card.Transmit(cmd.Bytes())
	if err != nil {
		return ResponseFrame{}, err
	}
	return ParseResponse(raw), nil
}

func (s *pcscSession) Close() error {
	return s.card.Disconnect(uint32(scard.LeaveCard))
}
