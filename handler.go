// Package dht implements a Kademlia-style mainline BitTorrent DHT node: a
// bucket-array routing table, the KRPC query/response protocol, and the
// bootstrap/refresh/lookup state machines that keep the table populated and
// answer peer searches, all driven by a single event-loop goroutine.
package dht

import (
	"context"
	"expvar"
	"fmt"
	"net"
	"sync"
	"time"

	"dht/arena"
	"dht/id"
	"dht/krpc"
	"dht/logger"
	"dht/node"
	"dht/routing"
	"dht/storage"
	"dht/timer"
	"dht/token"
	"dht/transaction"
	"dht/worker"
)

const (
	maxUDPPacketSize = 4096

	// bootstrapInitialTimeout bounds the single shared initial round of
	// router/seed pings a bootstrap fires at Start.
	bootstrapInitialTimeout = 2500 * time.Millisecond
	// queryTimeout bounds every other per-node query: bootstrap's bucket
	// walk, refresh, lookup, and liveness pings.
	queryTimeout = 500 * time.Millisecond

	maintenanceTick = 200 * time.Millisecond
	searchOutBuffer = 64
)

// State is a snapshot of a DHT node's health, returned by GetState.
type State struct {
	LocalID           id.Id
	Port              int
	Bootstrapped      bool
	GoodNodes         int
	QuestionableNodes int
}

type packetType struct {
	addr net.Addr
	b    []byte
}

type searchRequest struct {
	infoHash id.Id
	announce bool
	out      chan net.Addr
}

type lookupState struct {
	actionID [transaction.ActionIDLen]byte
	lu       *worker.Lookup
	out      chan net.Addr
	announce bool
	sent     map[string]bool
	announced bool
}

// DHT is a running node: one event-loop goroutine owns every mutable field
// below it, so nothing here needs a mutex. All public methods communicate
// with that goroutine over channels.
type DHT struct {
	config  Config
	localID id.Id
	conn    net.PacketConn
	log     logger.DebugLogger

	table    *routing.Table
	storage  *storage.Storage
	tokens   *token.Manager
	throttle *clientThrottle
	txGen    *transaction.Generator
	tm       *timer.Timer
	buf      arena.Arena

	bootstrapAction *transaction.Action
	bootstrap       *worker.Bootstrap
	refreshAction   *transaction.Action
	refresh         *worker.Refresh
	pingAction      *transaction.Action

	lookups map[[transaction.ActionIDLen]byte]*lookupState

	packets         chan packetType
	searchRequests  chan searchRequest
	addNodeRequests chan net.Addr
	stateRequests   chan chan State

	bootstrappedCh        chan struct{}
	bootstrappedSignaled  bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

func newDHT(ctx context.Context, cfg Config, localID id.Id, conn net.PacketConn, log logger.DebugLogger, seeds []net.Addr) *DHT {
	runCtx, cancel := context.WithCancel(ctx)
	txGen := transaction.New(newRand())

	d := &DHT{
		config:   cfg,
		localID:  localID,
		conn:     conn,
		log:      log,
		table:    routing.New(localID),
		storage:  storage.New(),
		tokens:   token.NewManager(),
		throttle: newClientThrottle(cfg.ClientPerMinuteLimit, cfg.ThrottlerTrackedClients),
		txGen:    txGen,
		tm:       timer.New(),
		buf:      arena.NewArena(maxUDPPacketSize, 3),

		lookups: map[[transaction.ActionIDLen]byte]*lookupState{},

		packets:         make(chan packetType, 64),
		searchRequests:  make(chan searchRequest, 16),
		addNodeRequests: make(chan net.Addr, 64),
		stateRequests:   make(chan chan State),

		bootstrappedCh: make(chan struct{}),

		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	d.bootstrapAction = txGen.NewAction()
	d.refreshAction = txGen.NewAction()
	d.pingAction = txGen.NewAction()
	d.bootstrap = worker.NewBootstrap(localID, splitRouters(cfg.DHTRouters), seeds, d.bootstrapAction)
	d.bootstrap.GoodNodeThreshold = cfg.GoodNodeThreshold
	d.refresh = worker.NewRefresh(localID, d.refreshAction)

	return d
}

func splitRouters(csv string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(csv); i++ {
		if i == len(csv) || csv[i] == ',' {
			if i > start {
				out = append(out, csv[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// run starts the reader and event-loop goroutines. Call once.
func (d *DHT) run() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.readLoop()
	}()

	d.bootstrap.Start(d)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop()
	}()
}

func (d *DHT) readLoop() {
	for {
		buf := d.buf.Pop()
		n, addr, err := d.conn.ReadFrom(buf)
		if err != nil {
			d.buf.Push(buf)
			d.cancel()
			return
		}
		select {
		case d.packets <- packetType{addr: addr, b: buf[:n]}:
		case <-d.ctx.Done():
			d.buf.Push(buf)
			return
		}
	}
}

func (d *DHT) loop() {
	defer close(d.done)
	defer d.conn.Close()

	maintenance := time.NewTicker(maintenanceTick)
	defer maintenance.Stop()
	refreshTick := time.NewTicker(d.config.CleanupPeriod)
	defer refreshTick.Stop()
	secretRotate := time.NewTicker(d.config.SecretRotatePeriod)
	defer secretRotate.Stop()

	var saveChan <-chan time.Time
	if d.config.SaveRoutingTable {
		saveTicker := time.NewTicker(d.config.SavePeriod)
		defer saveTicker.Stop()
		saveChan = saveTicker.C
	}

	var fillTokenBucket <-chan time.Time
	tokenBucket := d.config.RateLimit
	if d.config.RateLimit > 0 {
		ticker := time.NewTicker(time.Second / 10)
		defer ticker.Stop()
		fillTokenBucket = ticker.C
	}

	for {
		select {
		case <-d.ctx.Done():
			return

		case p := <-d.packets:
			totalRecv.Add(1)
			if d.config.RateLimit > 0 {
				if tokenBucket > 0 {
					d.processPacket(p)
					tokenBucket--
				} else {
					totalDroppedPackets.Add(1)
				}
			} else {
				d.processPacket(p)
			}
			d.buf.Push(p.b)

		case <-fillTokenBucket:
			if tokenBucket < d.config.RateLimit {
				tokenBucket += d.config.RateLimit / 10
			}

		case req := <-d.searchRequests:
			d.startSearch(req)

		case addr := <-d.addNodeRequests:
			d.pingAddr(addr)

		case respCh := <-d.stateRequests:
			respCh <- d.state()

		case <-maintenance.C:
			d.tickMaintenance(time.Now())

		case <-refreshTick.C:
			d.refresh.Tick(d.table, d, time.Now())

		case <-secretRotate.C:
			d.tokens.Rotate()

		case <-saveChan:
			if err := saveSnapshot(d.config.SnapshotPath, d.localID, d.table, time.Now()); err != nil {
				d.log.Errorf("dht: snapshot save failed: %v", err)
			}
		}
	}
}

func (d *DHT) tickMaintenance(now time.Time) {
	for _, v := range d.tm.Pop(now) {
		if tid, ok := v.(transaction.ID); ok {
			d.expireTransaction(tid)
		}
	}

	d.bootstrap.Tick(d.table, d, now)
	if d.bootstrap.IsBootstrapped() && !d.bootstrappedSignaled {
		d.bootstrappedSignaled = true
		close(d.bootstrappedCh)
	}

	for _, ls := range d.lookups {
		ls.lu.Pump(d)
		d.drainSearch(ls)
	}
}

func (d *DHT) expireTransaction(tid transaction.ID) {
	actionID := tid.ActionID()
	switch actionID {
	case d.bootstrapAction.ActionID():
		d.bootstrap.Expire(tid)
	case d.refreshAction.ActionID():
		d.refresh.Expire(tid)
	case d.pingAction.ActionID():
	default:
		if ls, ok := d.lookups[actionID]; ok {
			ls.lu.HandleTimeout(tid)
		}
	}
}

func (d *DHT) startSearch(req searchRequest) {
	now := time.Now()
	seed := d.table.ClosestNodes(req.infoHash, routing.BucketSize*2, now)
	action := d.txGen.NewAction()
	lu := worker.NewLookup(req.infoHash, worker.GetPeers, action, seed, worker.Alpha, routing.BucketSize)
	ls := &lookupState{
		actionID: action.ActionID(),
		lu:       lu,
		out:      req.out,
		announce: req.announce,
		sent:     map[string]bool{},
	}
	d.lookups[ls.actionID] = ls

	// Peers we are ourselves storing (because a remote node announced
	// straight to us) are already known and cost nothing to hand back;
	// surface them immediately instead of waiting on the lookup to
	// rediscover them over the network.
	for _, addr := range d.storage.Find(req.infoHash, now) {
		key := addr.String()
		if ls.sent[key] {
			continue
		}
		select {
		case ls.out <- addr:
			ls.sent[key] = true
		default:
		}
	}

	lu.Pump(d)
	d.drainSearch(ls)
}

// drainSearch forwards any newly discovered peers to the caller's channel
// and, once the lookup has converged, announces to the closest responders
// (if requested) and closes the channel.
func (d *DHT) drainSearch(ls *lookupState) {
	for _, addr := range ls.lu.Peers() {
		key := addr.String()
		if ls.sent[key] {
			continue
		}
		select {
		case ls.out <- addr:
			ls.sent[key] = true
		default:
		}
	}

	if !ls.lu.IsDone() {
		return
	}
	if ls.announce && !ls.announced {
		ls.announced = true
		for _, target := range ls.lu.AnnounceTargets() {
			tid := d.pingAction.Next()
			_ = d.SendAnnouncePeer(target.Handle.Addr, tid, ls.lu.Target, target.Token, 0, true)
		}
	}
	close(ls.out)
	delete(d.lookups, ls.actionID)
}

func (d *DHT) pingAddr(addr net.Addr) {
	tid := d.pingAction.Next()
	_ = d.SendPing(addr, tid)
}

func (d *DHT) state() State {
	now := time.Now()
	good, questionable := d.table.Counts(now)
	port := 0
	if ua, ok := d.conn.LocalAddr().(*net.UDPAddr); ok {
		port = ua.Port
	}
	return State{
		LocalID:           d.localID,
		Port:              port,
		Bootstrapped:      d.bootstrap.IsBootstrapped(),
		GoodNodes:         good,
		QuestionableNodes: questionable,
	}
}

// --- inbound packet processing ---

func (d *DHT) processPacket(p packetType) {
	if !d.throttle.Allow(hostOf(p.addr), time.Now()) {
		totalPacketsFromBlockedHosts.Add(1)
		return
	}

	msg, err := krpc.Decode(p.b)
	if err != nil {
		totalMalformedPackets.Add(1)
		d.log.Debugf("dht: malformed packet from %v: %v", p.addr, err)
		return
	}

	switch msg.Kind {
	case krpc.KindQuery:
		d.handleQuery(msg, p.addr)
	case krpc.KindReply:
		totalRecvReply.Add(1)
		d.handleReply(msg, p.addr)
	case krpc.KindError:
		totalRecvError.Add(1)
		d.log.Debugf("dht: error reply from %v: %+v", p.addr, msg.Error)
	}
}

func (d *DHT) handleQuery(msg *krpc.Message, addr net.Addr) {
	switch req := msg.Request.(type) {
	case *krpc.PingRequest:
		totalRecvPing.Add(1)
		d.observeQuery(req.ID, addr)
		d.reply(addr, msg.TxID, &krpc.Response{ID: d.localID})

	case *krpc.FindNodeRequest:
		totalRecvFindNode.Add(1)
		d.observeQuery(req.ID, addr)
		nodes, nodes6 := d.closestSplit(req.Target)
		d.reply(addr, msg.TxID, &krpc.Response{ID: d.localID, Nodes: nodes, Nodes6: nodes6})

	case *krpc.GetPeersRequest:
		totalRecvGetPeers.Add(1)
		d.observeQuery(req.ID, addr)
		resp := &krpc.Response{ID: d.localID, Token: d.tokens.Issue(addr)}
		if peers := d.storage.Find(req.InfoHash, time.Now()); len(peers) > 0 {
			resp.Values = peers
		} else {
			resp.Nodes, resp.Nodes6 = d.closestSplit(req.InfoHash)
		}
		d.reply(addr, msg.TxID, resp)

	case *krpc.AnnouncePeerRequest:
		totalRecvAnnouncePeer.Add(1)
		d.observeQuery(req.ID, addr)
		if !d.tokens.Verify(addr, req.Token) {
			totalAnnouncePeerRejected.Add(1)
			d.replyError(addr, msg.TxID, krpc.ErrProtocol, "bad token")
			return
		}
		port := req.Port
		if ua, ok := addr.(*net.UDPAddr); ok && req.ImpliedPort {
			port = uint16(ua.Port)
		}
		d.storage.Add(req.InfoHash, &net.UDPAddr{IP: ipOf(addr), Port: int(port)}, time.Now())
		d.reply(addr, msg.TxID, &krpc.Response{ID: d.localID})

	default:
		d.replyError(addr, msg.TxID, krpc.ErrMethod, "unknown method")
	}
}

func (d *DHT) handleReply(msg *krpc.Message, addr net.Addr) {
	if len(msg.TxID) != transaction.ActionIDLen+transaction.MessageIDLen || msg.Response == nil {
		return
	}
	var tid transaction.ID
	copy(tid[:], msg.TxID)
	resp := msg.Response

	actionID := tid.ActionID()
	_, isLookup := d.lookups[actionID]
	if actionID != d.bootstrapAction.ActionID() && actionID != d.refreshAction.ActionID() &&
		actionID != d.pingAction.ActionID() && !isLookup {
		return
	}

	if resp.ID != d.localID {
		d.table.Add(node.AsGood(node.Handle{ID: resp.ID, Addr: addr}, time.Now()), time.Now())
	}

	switch actionID {
	case d.bootstrapAction.ActionID():
		d.bootstrap.HandleReply(tid)
		d.mergeNodes(resp.Nodes, resp.Nodes6)

	case d.refreshAction.ActionID():
		d.refresh.HandleReply(tid)
		d.mergeNodes(resp.Nodes, resp.Nodes6)

	case d.pingAction.ActionID():
		// liveness-only probe; the table update above already covers it.

	default:
		if ls, ok := d.lookups[actionID]; ok {
			ls.lu.HandleGetPeersReply(tid, resp, addr)
			ls.lu.Pump(d)
			d.drainSearch(ls)
		}
	}
}

func (d *DHT) mergeNodes(nodes, nodes6 []node.Handle) {
	now := time.Now()
	for _, h := range nodes {
		d.table.Add(node.New(h), now)
	}
	for _, h := range nodes6 {
		d.table.Add(node.New(h), now)
	}
}

// observeQuery records that a known node just queried us, or pings an
// unknown one: per the liveness contract a node is never admitted to the
// table on the strength of a query alone, only on a response.
func (d *DHT) observeQuery(rid id.Id, addr net.Addr) {
	now := time.Now()
	h := node.Handle{ID: rid, Addr: addr}
	if d.table.RecordQuery(h, now) {
		return
	}
	if d.config.ReadOnly {
		return
	}
	if d.table.BucketCount()*routing.BucketSize >= d.config.MaxNodes {
		return
	}
	tid := d.pingAction.Next()
	_ = d.SendPing(addr, tid)
}

func (d *DHT) closestSplit(target id.Id) (v4, v6 []node.Handle) {
	now := time.Now()
	for _, n := range d.table.ClosestNodes(target, routing.BucketSize, now) {
		ua, ok := n.Handle.Addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		if ua.IP.To4() != nil {
			v4 = append(v4, n.Handle)
		} else {
			v6 = append(v6, n.Handle)
		}
	}
	return v4, v6
}

func (d *DHT) reply(addr net.Addr, txID []byte, resp *krpc.Response) {
	msg := &krpc.Message{TxID: txID, Kind: krpc.KindReply, Response: resp}
	b, err := krpc.Encode(msg)
	if err != nil {
		d.log.Errorf("dht: encode reply: %v", err)
		return
	}
	if _, err := d.conn.WriteTo(b, addr); err != nil {
		d.log.Debugf("dht: write reply to %v: %v", addr, err)
	}
}

func (d *DHT) replyError(addr net.Addr, txID []byte, code int, message string) {
	msg := &krpc.Message{TxID: txID, Kind: krpc.KindError, Error: &krpc.ErrorBody{Code: code, Message: message}}
	b, err := krpc.Encode(msg)
	if err != nil {
		return
	}
	_, _ = d.conn.WriteTo(b, addr)
}

// --- worker.Sender implementation: every outgoing query schedules its own
// timeout and bumps the matching sent-message counter. ---

func (d *DHT) SendPing(addr net.Addr, tid transaction.ID) error {
	msg := &krpc.Message{TxID: tid[:], Kind: krpc.KindQuery, Query: "ping", Request: &krpc.PingRequest{ID: d.localID}}
	return d.sendQuery(addr, msg, tid, totalSentPing)
}

func (d *DHT) SendFindNode(addr net.Addr, tid transaction.ID, target id.Id) error {
	msg := &krpc.Message{TxID: tid[:], Kind: krpc.KindQuery, Query: "find_node", Request: &krpc.FindNodeRequest{ID: d.localID, Target: target}}
	return d.sendQuery(addr, msg, tid, totalSentFindNode)
}

func (d *DHT) SendGetPeers(addr net.Addr, tid transaction.ID, infoHash id.Id) error {
	msg := &krpc.Message{TxID: tid[:], Kind: krpc.KindQuery, Query: "get_peers", Request: &krpc.GetPeersRequest{ID: d.localID, InfoHash: infoHash}}
	return d.sendQuery(addr, msg, tid, totalSentGetPeers)
}

func (d *DHT) SendAnnouncePeer(addr net.Addr, tid transaction.ID, infoHash id.Id, token []byte, port uint16, impliedPort bool) error {
	msg := &krpc.Message{
		TxID: tid[:], Kind: krpc.KindQuery, Query: "announce_peer",
		Request: &krpc.AnnouncePeerRequest{ID: d.localID, InfoHash: infoHash, Token: token, Port: port, ImpliedPort: impliedPort},
	}
	return d.sendQuery(addr, msg, tid, totalSentAnnouncePeer)
}

func (d *DHT) sendQuery(addr net.Addr, msg *krpc.Message, tid transaction.ID, counter *expvar.Int) error {
	b, err := krpc.Encode(msg)
	if err != nil {
		return err
	}
	if _, err := d.conn.WriteTo(b, addr); err != nil {
		return err
	}
	counter.Add(1)
	d.tm.ScheduleIn(d.queryTimeoutFor(tid.ActionID()), tid)
	return nil
}

// queryTimeoutFor picks the per-action timeout: the bootstrap's shared
// initial round of router/seed pings gets the longer, one-off timeout,
// every other outgoing query (bootstrap's bucket walk, refresh, lookup,
// liveness pings) gets the shorter per-node one.
func (d *DHT) queryTimeoutFor(actionID [transaction.ActionIDLen]byte) time.Duration {
	if actionID == d.bootstrapAction.ActionID() && d.bootstrap.State() == worker.BootstrappingRouters {
		return bootstrapInitialTimeout
	}
	return queryTimeout
}

// --- public API ---

// LocalAddr returns the address the node's socket is bound to.
func (d *DHT) LocalAddr() net.Addr { return d.conn.LocalAddr() }

// Bootstrapped blocks until the initial table population has completed, the
// context is cancelled, or the node is stopped.
func (d *DHT) Bootstrapped(ctx context.Context) error {
	select {
	case <-d.bootstrappedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return fmt.Errorf("dht: stopped before bootstrap completed")
	}
}

// GetState returns a snapshot of the node's routing table health.
func (d *DHT) GetState(ctx context.Context) (State, error) {
	respCh := make(chan State, 1)
	select {
	case d.stateRequests <- respCh:
	case <-ctx.Done():
		return State{}, ctx.Err()
	case <-d.done:
		return State{}, fmt.Errorf("dht: stopped")
	}
	select {
	case s := <-respCh:
		return s, nil
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

// AddNode informs the DHT of a candidate node to ping and, if it answers,
// admit to the routing table.
func (d *DHT) AddNode(ctx context.Context, addr net.Addr) error {
	select {
	case d.addNodeRequests <- addr:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return fmt.Errorf("dht: stopped")
	}
}

// Search runs an iterative get_peers lookup for infoHash and streams every
// peer address discovered to the returned channel, which is closed once the
// lookup converges. If announce is true, the node also announce_peers to
// the closest nodes that handed out a token, advertising itself (with
// implied_port) as a peer for infoHash.
func (d *DHT) Search(ctx context.Context, infoHash id.Id, announce bool) <-chan net.Addr {
	out := make(chan net.Addr, searchOutBuffer)
	req := searchRequest{infoHash: infoHash, announce: announce, out: out}
	select {
	case d.searchRequests <- req:
	case <-ctx.Done():
		close(out)
	case <-d.done:
		close(out)
	}
	return out
}

// Stop shuts the node down and waits for its goroutines to exit.
func (d *DHT) Stop() {
	d.cancel()
	d.conn.Close()
	d.wg.Wait()
}

func hostOf(addr net.Addr) string {
	if ua, ok := addr.(*net.UDPAddr); ok {
		return ua.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func ipOf(addr net.Addr) net.IP {
	if ua, ok := addr.(*net.UDPAddr); ok {
		return ua.IP
	}
	host, _, _ := net.SplitHostPort(addr.String())
	return net.ParseIP(host)
}
