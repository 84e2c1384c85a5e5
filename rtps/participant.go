package rtps

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/liamstask/go-rtps/v2/rtps"

// Listener receives lifecycle callbacks. Callbacks run one at a time on a
// goroutine of their own and may call back into the participant.
type Listener struct {
	ParticipantDiscovered func(pp ParticipantProxy)
	ParticipantLost       func(prefix GUIDPrefix, reason error)
	Matched               func(local, remote GUID)
	Unmatched             func(local, remote GUID, reason error)
	IncompatibleQos       func(local, remote GUID, err *QosIncompatibleError)
	DataAvailable         func(reader GUID)
	// DeadlineMissed is called once per deadline period in which a matched
	// writer sent the reader nothing.
	DeadlineMissed func(reader, writer GUID)
}

type Option func(*Participant)

// WithTransport replaces the UDP transport. The participant does not close
// a transport it was given.
func WithTransport(t Transport) Option {
	return func(p *Participant) { p.transport = t }
}

func WithLogger(logger *log.Logger) Option {
	return func(p *Participant) { p.logger = logger }
}

// WithRegisterer registers the participant's metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(p *Participant) { p.registerer = reg }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Participant) { p.tracer = tp.Tracer(tracerName) }
}

// WithSecurity installs a transform applied to user data submessages.
func WithSecurity(t SubmessageTransform) Option {
	return func(p *Participant) { p.security = t }
}

func WithListener(l Listener) Option {
	return func(p *Participant) { p.listener = l }
}

func WithGUIDPrefix(gp GUIDPrefix) Option {
	return func(p *Participant) { p.prefix = gp }
}

type datagram struct {
	src Locator
	b   []byte
}

// Participant owns the local endpoints, the discovery state and the event
// loop that drives them. All protocol state is touched by the loop only;
// the exported methods hand work to it.
type Participant struct {
	cfg           Config
	prefix        GUIDPrefix
	participantID int
	unicastIP     net.IP

	transport     Transport
	ownsTransport bool
	conns         []PacketConn

	logger     *log.Logger
	log        *log.Entry
	registerer prometheus.Registerer
	metrics    *Metrics
	tracer     trace.Tracer
	security   SubmessageTransform
	listener   Listener
	events     *eventQueue

	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	inbox    chan datagram
	cmds     chan func(now time.Time)
	loopDone chan struct{}
	closing  sync.Once
	closeErr error

	// owned by the event loop
	ids         entityAllocator
	writers     map[EntityID]*Writer
	readers     map[EntityID]*Reader
	local       map[GUID]*EndpointData
	dataReaders map[EntityID]*DataReader
	db          *discoveryDB
	spdp        *spdp
	sedp        *sedp
	out         Outbox
}

// NewParticipant binds the participant's locators, starts the event loop
// and begins announcing itself. Cancelling ctx stops it like Close, minus
// the farewell announcement.
func NewParticipant(ctx context.Context, cfg Config, opts ...Option) (*Participant, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	p := &Participant{
		cfg:         cfg,
		writers:     make(map[EntityID]*Writer),
		readers:     make(map[EntityID]*Reader),
		local:       make(map[GUID]*EndpointData),
		dataReaders: make(map[EntityID]*DataReader),
		db:          newDiscoveryDB(),
		inbox:       make(chan datagram, 256),
		cmds:        make(chan func(time.Time)),
		loopDone:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.prefix.Unknown() {
		p.prefix = newGUIDPrefix()
	}
	if p.logger == nil {
		p.logger = log.New()
		lvl, _ := log.ParseLevel(cfg.LogLevel)
		p.logger.SetLevel(lvl)
	}
	p.log = p.logger.WithField("participant", p.prefix.String())
	p.metrics = NewMetrics(p.registerer)
	if p.tracer == nil {
		p.tracer = otel.Tracer(tracerName)
	}
	if p.security == nil {
		p.security = plainTransform{}
	}

	if p.transport == nil {
		t, err := NewUDPTransport(&p.cfg)
		if err != nil {
			return nil, err
		}
		p.transport, p.ownsTransport = t, true
	}
	if err := p.bind(); err != nil {
		p.release()
		return nil, err
	}

	params := p.cfg.endpointParams()
	p.spdp = newSPDP(p.localData(), []Locator{p.mcastLocator(p.cfg.mcastBuiltinPort())},
		p.cfg.AnnouncePeriod, params, p.metrics, p.log)
	p.sedp = newSEDP(p.prefix, params, p.metrics, p.log)
	p.writers[p.spdp.writer.GUID.EntityID] = p.spdp.writer
	for _, w := range p.sedp.writers() {
		p.writers[w.GUID.EntityID] = w
	}
	for _, r := range p.sedp.readers() {
		p.readers[r.GUID.EntityID] = r
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.events = newEventQueue()
	p.group = new(errgroup.Group)
	for _, c := range p.conns {
		c := c
		p.group.Go(func() error { return p.receive(c) })
	}
	p.group.Go(func() error { return p.events.run(p.ctx, &p.listener) })

	now := time.Now()
	if err := p.spdp.start(now, &p.out); err != nil {
		p.release()
		p.group.Wait()
		return nil, err
	}
	p.flush(now)
	p.group.Go(p.run)

	p.log.WithFields(log.Fields{
		"domain":         p.cfg.DomainID,
		"participant_id": p.participantID,
		"address":        p.unicastIP.String(),
	}).Info("participant started")
	return p, nil
}

// bind opens the four receive locators, probing for the lowest free
// participant id unless one is configured.
func (p *Participant) bind() error {
	ip := net.ParseIP(p.cfg.UnicastAddress)
	if ip == nil {
		var err error
		if ip, err = p.transport.LocalAddress(); err != nil {
			return errors.Wrap(err, "local address")
		}
	}
	p.unicastIP = ip

	first, last := 0, maxParticipantID-1
	if p.cfg.ParticipantID >= 0 {
		first, last = p.cfg.ParticipantID, p.cfg.ParticipantID
	}
	var meta PacketConn
	for id := first; id <= last; id++ {
		c, err := p.transport.Listen(NewUDPv4Locator(ip, uint16(p.cfg.ucastBuiltinPortFor(id))))
		if errors.Is(err, ErrAddressInUse) {
			continue
		}
		if err != nil {
			return err
		}
		meta, p.participantID = c, id
		break
	}
	if meta == nil {
		return errors.Wrapf(ErrAddressInUse, "no free participant id in domain %d", p.cfg.DomainID)
	}
	p.conns = append(p.conns, meta)

	for _, loc := range []Locator{
		NewUDPv4Locator(ip, uint16(p.cfg.ucastUserPortFor(p.participantID))),
		p.mcastLocator(p.cfg.mcastBuiltinPort()),
		p.mcastLocator(p.cfg.mcastUserPort()),
	} {
		c, err := p.transport.Listen(loc)
		if err != nil {
			return err
		}
		p.conns = append(p.conns, c)
	}
	return nil
}

func (p *Participant) mcastLocator(port uint32) Locator {
	return NewUDPv4Locator(p.cfg.mcastGroup(), uint16(port))
}

func (p *Participant) userUnicast() Locator {
	return NewUDPv4Locator(p.unicastIP, uint16(p.cfg.ucastUserPortFor(p.participantID)))
}

func (p *Participant) localData() ParticipantData {
	return ParticipantData{
		Prefix:           p.prefix,
		Version:          protoVersionMine,
		Vendor:           MY_RTPS_VENDOR_ID,
		DomainID:         p.cfg.DomainID,
		DefaultUnicast:   []Locator{p.userUnicast()},
		DefaultMulticast: []Locator{p.mcastLocator(p.cfg.mcastUserPort())},
		MetaUnicast:      []Locator{NewUDPv4Locator(p.unicastIP, uint16(p.cfg.ucastBuiltinPortFor(p.participantID)))},
		MetaMulticast:    []Locator{p.mcastLocator(p.cfg.mcastBuiltinPort())},
		LeaseDuration:    p.cfg.LeaseDuration,
		BuiltinEndpoints: myBuiltinEndpoints,
		EntityName:       p.cfg.EntityName,
	}
}

func (p *Participant) GUIDPrefix() GUIDPrefix {
	return p.prefix
}

func (p *Participant) ParticipantID() int {
	return p.participantID
}

func (p *Participant) Metrics() *Metrics {
	return p.metrics
}

// receive feeds one connection into the event loop.
func (p *Participant) receive(c PacketConn) error {
	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := c.ReadFrom(buf)
		if err != nil {
			if p.ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			p.log.WithError(err).WithField("locator", c.LocalLocator().String()).Warn("receive failed")
			continue
		}
		dg := datagram{src: src, b: append([]byte(nil), buf[:n]...)}
		select {
		case p.inbox <- dg:
		case <-p.ctx.Done():
			return nil
		}
	}
}

// run is the event loop: datagrams, application commands and the tick.
func (p *Participant) run() error {
	defer p.release()
	defer close(p.loopDone)
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return nil
		case dg := <-p.inbox:
			now := time.Now()
			p.handleDatagram(now, dg)
			p.flush(now)
		case fn := <-p.cmds:
			now := time.Now()
			fn(now)
			p.flush(now)
		case now := <-ticker.C:
			p.tick(now)
			p.flush(now)
		}
	}
}

// do runs fn on the event loop and waits for it.
func (p *Participant) do(fn func(now time.Time)) error {
	done := make(chan struct{})
	select {
	case p.cmds <- func(now time.Time) { fn(now); close(done) }:
	case <-p.loopDone:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-p.loopDone:
		select {
		case <-done:
			return nil
		default:
			return ErrClosed
		}
	}
}

func (p *Participant) tick(now time.Time) {
	for _, prefix := range p.db.expired(now) {
		p.metrics.LeaseExpirations.Inc()
		p.removeParticipant(now, prefix, ErrLeaseExpired)
	}
	if p.spdp.due(now) {
		p.spdp.announce(now, p.peers(), &p.out)
	}
	for _, w := range p.writers {
		w.Tick(now, &p.out)
	}
	for _, r := range p.readers {
		r.Tick(now, &p.out)
	}
}

func (p *Participant) peers() []*ParticipantProxy {
	out := make([]*ParticipantProxy, 0, len(p.db.participants))
	for _, pp := range p.db.participants {
		out = append(out, pp)
	}
	return out
}

// Participants returns a snapshot of the discovered participants.
func (p *Participant) Participants() ([]ParticipantProxy, error) {
	var out []ParticipantProxy
	err := p.do(func(time.Time) {
		for _, pp := range p.db.participants {
			out = append(out, *pp)
		}
	})
	return out, err
}

// Endpoints returns a snapshot of the discovered remote endpoints.
func (p *Participant) Endpoints() ([]EndpointData, error) {
	var out []EndpointData
	err := p.do(func(time.Time) {
		for _, ed := range p.db.endpoints {
			out = append(out, *ed)
		}
	})
	return out, err
}

// Close announces that the participant leaves, stops the event loop and
// releases every endpoint. In-flight retransmissions are dropped.
func (p *Participant) Close() error {
	p.closing.Do(func() {
		err := p.do(func(now time.Time) {
			if err := p.spdp.dispose(now, p.peers(), &p.out); err != nil {
				p.log.WithError(err).Warn("farewell announcement failed")
			}
		})
		p.cancel()
		p.closeErr = p.group.Wait()
		if p.closeErr == nil && err != nil && !errors.Is(err, ErrClosed) {
			p.closeErr = err
		}
		p.log.Info("participant closed")
	})
	return p.closeErr
}

// release closes the connections and drops all protocol state. It runs
// once the loop is gone.
func (p *Participant) release() {
	if p.cancel != nil {
		p.cancel()
	}
	for _, c := range p.conns {
		c.Close()
	}
	if p.ownsTransport {
		p.transport.Close()
	}
	for g := range p.local {
		delete(p.local, g)
	}
	for eid, w := range p.writers {
		w.Cache().Clear()
		delete(p.writers, eid)
	}
	for eid, r := range p.readers {
		r.Cache().Clear()
		delete(p.readers, eid)
	}
	p.db = newDiscoveryDB()
}

// emit queues a listener callback.
func (p *Participant) emit(fn func(l *Listener)) {
	p.events.post(fn)
}

// eventQueue serializes listener callbacks without ever blocking the
// event loop.
type eventQueue struct {
	mu    sync.Mutex
	queue []func(l *Listener)
	wake  chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{wake: make(chan struct{}, 1)}
}

func (q *eventQueue) post(fn func(l *Listener)) {
	q.mu.Lock()
	q.queue = append(q.queue, fn)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run(ctx context.Context, l *Listener) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		}
		q.mu.Lock()
		batch := q.queue
		q.queue = nil
		q.mu.Unlock()
		for _, fn := range batch {
			fn(l)
		}
	}
}
