package core

import (
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/ebfe/scard"
)

// Real ATRs captured from ACR122U / ACR1252 readers.
const (
	atrNTAG         = "3b8f8001804f0ca0000003060300030000000068"
	atrClassic1K    = "3b8f8001804f0ca000000306030001000000006a"
	atrClassic4K    = "3b8f8001804f0ca0000003060300020000000069"
	atrUltralightC  = "3b8f8001804f0ca00000030603003a0000000051"
	atrISO15693     = "3b8f8001804f0ca0000003060b00140000000077"
	atrDESFire      = "3b8180018080"
	atrISO14443_4   = "3b888001e1f35e11778183009b"
	readerACR122U   = "ACS ACR122U PICC Interface"
	readerACR1252   = "ACS ACR1252 Dual Reader PICC"
	readerACR1252SA = "ACS ACR1252 Dual Reader SAM"
)

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// MockSmartCardContext implements SmartCardContext for testing. Cards placed
// on readers are reported by GetStatusChange the way pcscd does.
type MockSmartCardContext struct {
	mu          sync.Mutex
	readers     []string
	cards       map[string]*MockSmartCard
	listErr     error
	connectErr  error
	statusErr   error
	wake        chan struct{}
	cancel      chan struct{}
	released    bool
	statusCalls int
	noPnP       bool
}

// NewMockContext creates a new mock context with predefined readers
func NewMockContext() *MockSmartCardContext {
	return &MockSmartCardContext{
		readers: []string{readerACR122U, readerACR1252},
		cards:   make(map[string]*MockSmartCard),
		wake:    make(chan struct{}, 1),
		cancel:  make(chan struct{}, 1),
	}
}

// WithReaders sets the readers for the mock context
func (m *MockSmartCardContext) WithReaders(readers ...string) *MockSmartCardContext {
	m.mu.Lock()
	m.readers = readers
	m.mu.Unlock()
	m.poke()
	return m
}

// WithCard places a mock card on a reader
func (m *MockSmartCardContext) WithCard(readerName string, card *MockSmartCard) *MockSmartCardContext {
	m.mu.Lock()
	m.cards[readerName] = card
	m.mu.Unlock()
	m.poke()
	return m
}

// RemoveCard takes the card off a reader
func (m *MockSmartCardContext) RemoveCard(readerName string) {
	m.mu.Lock()
	delete(m.cards, readerName)
	m.mu.Unlock()
	m.poke()
}

// WithListError makes ListReaders fail
func (m *MockSmartCardContext) WithListError(err error) *MockSmartCardContext {
	m.mu.Lock()
	m.listErr = err
	m.mu.Unlock()
	return m
}

// WithConnectError makes Connect fail
func (m *MockSmartCardContext) WithConnectError(err error) *MockSmartCardContext {
	m.mu.Lock()
	m.connectErr = err
	m.mu.Unlock()
	return m
}

// WithoutPnP makes the context reject the PnP pseudo reader, like stacks
// that lack it.
func (m *MockSmartCardContext) WithoutPnP() *MockSmartCardContext {
	m.mu.Lock()
	m.noPnP = true
	m.mu.Unlock()
	return m
}

// FailStatusChange makes the next GetStatusChange return err
func (m *MockSmartCardContext) FailStatusChange(err error) {
	m.mu.Lock()
	m.statusErr = err
	m.mu.Unlock()
	m.poke()
}

func (m *MockSmartCardContext) poke() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *MockSmartCardContext) ListReaders() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	if len(m.readers) == 0 {
		return nil, scard.ErrNoReadersAvailable
	}
	return append([]string(nil), m.readers...), nil
}

func (m *MockSmartCardContext) Connect(reader string, shareMode uint32, protocol uint32) (SmartCard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return nil, m.connectErr
	}
	card, ok := m.cards[reader]
	if !ok {
		return nil, scard.ErrNoSmartcard
	}
	card.connect()
	return card, nil
}

// fill computes event states; it reports whether any reader changed.
func (m *MockSmartCardContext) fill(states []ReaderState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := false
	for i := range states {
		st := &states[i]
		if st.Reader == PnPNotification {
			st.EventState = st.CurrentState
			continue
		}
		var ev uint32 = ReaderStateEmpty
		st.Atr = nil
		if !m.listed(st.Reader) {
			ev = ReaderStateUnavailable
		} else if card, ok := m.cards[st.Reader]; ok {
			ev = ReaderStatePresent
			st.Atr = card.atr
		}
		if ev != st.CurrentState&^ReaderStateChanged {
			ev |= ReaderStateChanged
			changed = true
		}
		st.EventState = ev
	}
	return changed
}

// listed reports whether reader is attached. Caller holds m.mu.
func (m *MockSmartCardContext) listed(reader string) bool {
	for _, r := range m.readers {
		if r == reader {
			return true
		}
	}
	return false
}

func (m *MockSmartCardContext) GetStatusChange(states []ReaderState, timeout time.Duration) error {
	// scard passes &states[0] to the platform call.
	_ = &states[0]

	m.mu.Lock()
	m.statusCalls++
	noPnP := m.noPnP
	m.mu.Unlock()
	if noPnP {
		for _, st := range states {
			if st.Reader == PnPNotification {
				return scard.ErrUnknownReader
			}
		}
	}

	var timer <-chan time.Time
	if timeout >= 0 {
		timer = time.After(timeout)
	}
	for {
		m.mu.Lock()
		err := m.statusErr
		m.statusErr = nil
		m.mu.Unlock()
		if err != nil {
			return err
		}
		if m.fill(states) {
			return nil
		}
		select {
		case <-m.wake:
		case <-m.cancel:
			return scard.ErrCancelled
		case <-timer:
			return scard.ErrTimeout
		}
	}
}

func (m *MockSmartCardContext) Cancel() error {
	select {
	case m.cancel <- struct{}{}:
	default:
	}
	return nil
}

func (m *MockSmartCardContext) Release() error {
	m.mu.Lock()
	m.released = true
	m.mu.Unlock()
	return nil
}

// mockFactory hands out the same context for the gateway and its watches.
type mockFactory struct {
	ctx *MockSmartCardContext
	err error
}

func (f mockFactory) EstablishContext() (SmartCardContext, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ctx, nil
}

// MockSmartCard implements SmartCard for testing
type MockSmartCard struct {
	mu           sync.Mutex
	atr          []byte
	uid          []byte
	responses    map[string][]byte // command hex -> response
	transmitErr  error
	sent         []string
	disconnected bool
}

// NewMockCard creates a mock card with realistic data
func NewMockCard(cardType string) *MockSmartCard {
	card := &MockSmartCard{responses: make(map[string][]byte)}

	switch cardType {
	case "MIFARE Classic":
		card.atr = mustHex(atrClassic1K)
		card.uid = mustHex("932bae0e")
		card.responses["ff82000006ffffffffffff"] = []byte{0x90, 0x00}
		card.responses["ff860000050100046000"] = []byte{0x90, 0x00}
		card.responses["ffb0000410"] = append(make([]byte, 16), 0x90, 0x00)
	case "ISO 15693":
		card.atr = mustHex(atrISO15693)
		card.uid = mustHex("80391566080104e0")
	case "NTAG215":
		card.atr = mustHex(atrNTAG)
		card.uid = mustHex("04635d6bc22a81")
		card.responses["ffb0000410"] = append(make([]byte, 16), 0x90, 0x00)
	default:
		card.atr = mustHex(atrDESFire)
		card.uid = mustHex("04000000000000")
	}
	card.responses["ffca000000"] = append(append([]byte(nil), card.uid...), 0x90, 0x00)
	return card
}

// WithResponse sets the raw response for a command
func (m *MockSmartCard) WithResponse(cmdHex string, rsp []byte) *MockSmartCard {
	m.mu.Lock()
	m.responses[cmdHex] = rsp
	m.mu.Unlock()
	return m
}

// WithText stores an NDEF text record in the payload window read at page/block 4.
func (m *MockSmartCard) WithText(text string) *MockSmartCard {
	rec := []byte{0x03, byte(len(text) + 7), 0xD1, 0x01, byte(len(text) + 3), 0x02, 'e', 'n'}
	rec = append(rec, text...)
	rec = append(rec, 0xFE)
	window := make([]byte, 16)
	copy(window, rec)
	return m.WithResponse("ffb0000410", append(window, 0x90, 0x00))
}

// WithTransmitError makes every Transmit fail
func (m *MockSmartCard) WithTransmitError(err error) *MockSmartCard {
	m.mu.Lock()
	m.transmitErr = err
	m.mu.Unlock()
	return m
}

func (m *MockSmartCard) connect() {
	m.mu.Lock()
	m.disconnected = false
	m.mu.Unlock()
}

// Sent returns the hex of every command transmitted so far.
func (m *MockSmartCard) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

func (m *MockSmartCard) Transmit(cmd []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disconnected {
		return nil, errors.New("card disconnected")
	}
	cmdHex := hex.EncodeToString(cmd)
	m.sent = append(m.sent, cmdHex)
	if m.transmitErr != nil {
		return nil, m.transmitErr
	}
	if resp, ok := m.responses[cmdHex]; ok {
		return append([]byte(nil), resp...), nil
	}
	// Default: command not supported
	return []byte{0x6A, 0x81}, nil
}

func (m *MockSmartCard) Status() (SmartCardStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return SmartCardStatus{
		Reader:         "Mock Reader",
		State:          0,
		ActiveProtocol: 2,
		Atr:            m.atr,
	}, nil
}

func (m *MockSmartCard) Disconnect(disposition uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = true
	return nil
}
