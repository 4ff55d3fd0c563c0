// Package mpdtest provides an in-process MPD server speaking enough of the
// protocol (command lists, idle/noidle, queue versioning) to exercise the
// client engine in tests.
package mpdtest

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// ErrHangup makes the server write the handler body and then close the
// connection without a terminator.
var ErrHangup = errors.New("hangup")

// Ack is returned by handlers to produce an ACK reply.
type Ack struct {
	Code    int
	Message string
}

func (a *Ack) Error() string { return a.Message }

// HandlerFunc answers one command. The body is written before the
// terminator and must end with a newline when non-empty.
type HandlerFunc func(args []string) (string, error)

// Song is a queue entry.
type Song struct {
	File   string
	Title  string
	Artist string
	Album  string
	ID     int

	version int
}

// Option configures a Server.
type Option func(*Server)

// WithGreeting overrides the "OK MPD 0.23.5" greeting.
func WithGreeting(greeting string) Option {
	return func(s *Server) { s.greeting = greeting }
}

// WithPassword requires a password command before anything else.
func WithPassword(password string) Option {
	return func(s *Server) { s.password = password }
}

// Server is a fake MPD server bound to a loopback port.
type Server struct {
	ln       net.Listener
	greeting string
	password string

	mu       sync.Mutex
	queue    []*Song
	version  int
	nextID   int
	state    string
	current  int
	volume   int
	options  map[string]bool
	handlers map[string]HandlerFunc
	received []string
	conns    map[*serverConn]struct{}
	accepted int
	closed   bool

	wg sync.WaitGroup
}

type serverConn struct {
	nc      net.Conn
	authed  bool
	pending map[string]bool
	wake    chan struct{}
}

// NewServer starts a server and registers its shutdown with t.Cleanup.
func NewServer(t testing.TB, opts ...Option) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("mpdtest: listen: %v", err)
	}
	s := &Server{
		ln:       ln,
		greeting: "OK MPD 0.23.5",
		version:  1,
		nextID:   1,
		state:    "stop",
		current:  -1,
		volume:   50,
		options:  map[string]bool{},
		handlers: map[string]HandlerFunc{},
		conns:    map[*serverConn]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// Addr is the host:port the server listens on.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Handle overrides or adds a command handler.
func (s *Server) Handle(verb string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[verb] = h
}

// HangupOn makes the next n occurrences of verb drop the connection without
// any reply. Later occurrences fall through to the previous handler.
func (s *Server) HangupOn(verb string, n int) {
	s.mu.Lock()
	prev := s.handlers[verb]
	s.mu.Unlock()

	var mu sync.Mutex
	remaining := n
	s.Handle(verb, func(args []string) (string, error) {
		mu.Lock()
		drop := remaining > 0
		if drop {
			remaining--
		}
		mu.Unlock()
		if drop {
			return "", ErrHangup
		}
		if prev != nil {
			return prev(args)
		}
		return s.builtin(verb, args)
	})
}

// Received returns every command verb the server has processed, in order.
func (s *Server) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// Count returns how many times verb was received.
func (s *Server) Count(verb string) int {
	n := 0
	for _, v := range s.Received() {
		if v == verb {
			n++
		}
	}
	return n
}

// Accepted is the number of connections accepted so far.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Open is the number of client connections still open.
func (s *Server) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Notify marks subsystems as changed for every connection.
func (s *Server) Notify(subsystems ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifyLocked(subsystems...)
}

func (s *Server) notifyLocked(subsystems ...string) {
	for c := range s.conns {
		for _, sub := range subsystems {
			c.pending[sub] = true
		}
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

// DropConnections closes every open client connection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.nc.Close()
	}
}

// AddSongs appends files to the queue.
func (s *Server) AddSongs(files ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range files {
		s.addLocked(f, -1)
	}
	s.mutatedLocked()
}

// Queue returns a copy of the queue.
func (s *Server) Queue() []Song {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Song, len(s.queue))
	for i, song := range s.queue {
		out[i] = *song
	}
	return out
}

// Version is the current queue version.
func (s *Server) Version() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Close stops the server and waits for its goroutines.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.ln.Close()
	for c := range s.conns {
		c.nc.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		c := &serverConn{nc: nc, pending: map[string]bool{}, wake: make(chan struct{}, 1)}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			nc.Close()
			return
		}
		c.authed = s.password == ""
		s.conns[c] = struct{}{}
		s.accepted++
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(c)
	}
}

func (s *Server) serve(c *serverConn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.nc.Close()
	}()

	if s.greeting == "" {
		return
	}
	fmt.Fprintf(c.nc, "%s\n", s.greeting)

	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.nc)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
	}()

	w := bufio.NewWriter(c.nc)
	for line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		verb, _, err := ParseCommand(line)
		if err != nil {
			fmt.Fprintf(w, "ACK [%d@0] {} %v\n", 2, err)
			w.Flush()
			continue
		}

		switch verb {
		case "close":
			return
		case "noidle":
			// ignored outside idle
			continue
		case "idle":
			if !s.idle(c, line, lines, w) {
				return
			}
			continue
		case "command_list_begin", "command_list_ok_begin":
			if !s.commandList(c, verb == "command_list_ok_begin", lines, w) {
				return
			}
			continue
		}

		body, err := s.dispatch(c, line)
		if errors.Is(err, ErrHangup) {
			w.WriteString(body)
			w.Flush()
			return
		}
		writeResult(w, 0, verb, body, err)
		w.Flush()
	}
}

func (s *Server) commandList(c *serverConn, separated bool, lines <-chan string, w *bufio.Writer) bool {
	var cmds []string
	for line := range lines {
		if strings.TrimSpace(line) == "command_list_end" {
			break
		}
		cmds = append(cmds, line)
	}

	for i, line := range cmds {
		verb, _, _ := ParseCommand(line)
		body, err := s.dispatch(c, line)
		if errors.Is(err, ErrHangup) {
			w.WriteString(body)
			w.Flush()
			return false
		}
		if err != nil {
			writeResult(w, i, verb, "", err)
			w.Flush()
			return true
		}
		w.WriteString(body)
		if separated {
			w.WriteString("list_OK\n")
		}
	}
	w.WriteString("OK\n")
	w.Flush()
	return true
}

func (s *Server) idle(c *serverConn, line string, lines <-chan string, w *bufio.Writer) bool {
	_, filter, _ := ParseCommand(line)
	s.record("idle")
	for _, sub := range filter {
		if !containsString(knownSubsystems, sub) {
			writeResult(w, 0, "idle", "", &Ack{Code: 2, Message: "Unrecognized idle event: " + sub})
			w.Flush()
			return true
		}
	}

	takeChanged := func() []string {
		s.mu.Lock()
		defer s.mu.Unlock()
		var changed []string
		for _, sub := range knownSubsystems {
			if c.pending[sub] && (len(filter) == 0 || containsString(filter, sub)) {
				changed = append(changed, sub)
				delete(c.pending, sub)
			}
		}
		return changed
	}
	reply := func(changed []string) {
		for _, sub := range changed {
			fmt.Fprintf(w, "changed: %s\n", sub)
		}
		w.WriteString("OK\n")
		w.Flush()
	}

	for {
		if changed := takeChanged(); len(changed) > 0 {
			reply(changed)
			return true
		}

		select {
		case <-c.wake:
		case next, ok := <-lines:
			if !ok {
				return false
			}
			if strings.TrimSpace(next) != "noidle" {
				// anything but noidle during idle is a protocol error
				return false
			}
			s.record("noidle")
			reply(takeChanged())
			return true
		}
	}
}

var knownSubsystems = []string{
	"database", "update", "stored_playlist", "playlist", "player",
	"mixer", "output", "options", "partition", "sticker",
	"subscription", "message", "neighbor", "mount",
}

func writeResult(w *bufio.Writer, index int, verb, body string, err error) {
	if err != nil {
		var ack *Ack
		if errors.As(err, &ack) {
			fmt.Fprintf(w, "ACK [%d@%d] {%s} %s\n", ack.Code, index, verb, ack.Message)
			return
		}
		fmt.Fprintf(w, "ACK [%d@%d] {%s} %v\n", 52, index, verb, err)
		return
	}
	w.WriteString(body)
	w.WriteString("OK\n")
}

func (s *Server) record(verb string) {
	s.mu.Lock()
	s.received = append(s.received, verb)
	s.mu.Unlock()
}

func (s *Server) dispatch(c *serverConn, line string) (string, error) {
	verb, args, err := ParseCommand(line)
	if err != nil {
		return "", &Ack{Code: 2, Message: err.Error()}
	}
	s.record(verb)

	s.mu.Lock()
	authed := c.authed
	h := s.handlers[verb]
	s.mu.Unlock()

	if verb == "password" {
		if len(args) != 1 || args[0] != s.password {
			return "", &Ack{Code: 3, Message: "incorrect password"}
		}
		s.mu.Lock()
		c.authed = true
		s.mu.Unlock()
		return "", nil
	}
	if !authed && verb != "ping" {
		return "", &Ack{Code: 4, Message: "you don't have permission for \"" + verb + "\""}
	}
	if h != nil {
		return h(args)
	}
	return s.builtin(verb, args)
}

func (s *Server) builtin(verb string, args []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch verb {
	case "ping":
		return "", nil
	case "status":
		return s.statusLocked(), nil
	case "stats":
		return fmt.Sprintf("artists: 1\nalbums: 1\nsongs: %d\nuptime: 10\nplaytime: 0\ndb_playtime: 100\ndb_update: 1700000000\n", len(s.queue)), nil
	case "currentsong":
		if s.current < 0 || s.current >= len(s.queue) {
			return "", nil
		}
		return songText(s.queue[s.current], s.current), nil
	case "playlistinfo":
		var b strings.Builder
		for i, song := range s.queue {
			b.WriteString(songText(song, i))
		}
		return b.String(), nil
	case "plchanges":
		since, err := intArg(args, 0)
		if err != nil {
			return "", err
		}
		var b strings.Builder
		for i, song := range s.queue {
			if song.version > since {
				b.WriteString(songText(song, i))
			}
		}
		return b.String(), nil
	case "add":
		if len(args) < 1 {
			return "", &Ack{Code: 2, Message: "wrong number of arguments"}
		}
		if strings.HasPrefix(args[0], "missing") {
			return "", &Ack{Code: 50, Message: "directory not found"}
		}
		s.addLocked(args[0], -1)
		s.mutatedLocked()
		return "", nil
	case "addid":
		if len(args) < 1 {
			return "", &Ack{Code: 2, Message: "wrong number of arguments"}
		}
		pos := -1
		if len(args) > 1 {
			p, err := intArg(args, 1)
			if err != nil {
				return "", err
			}
			pos = p
		}
		id := s.addLocked(args[0], pos)
		s.mutatedLocked()
		return fmt.Sprintf("Id: %d\n", id), nil
	case "delete":
		pos, err := intArg(args, 0)
		if err != nil {
			return "", err
		}
		if pos < 0 || pos >= len(s.queue) {
			return "", &Ack{Code: 2, Message: "Bad song index"}
		}
		s.deleteLocked(pos)
		s.mutatedLocked()
		return "", nil
	case "deleteid":
		id, err := intArg(args, 0)
		if err != nil {
			return "", err
		}
		for i, song := range s.queue {
			if song.ID == id {
				s.deleteLocked(i)
				s.mutatedLocked()
				return "", nil
			}
		}
		return "", &Ack{Code: 50, Message: "No such song"}
	case "move":
		from, err := intArg(args, 0)
		if err != nil {
			return "", err
		}
		to, err := intArg(args, 1)
		if err != nil {
			return "", err
		}
		if from < 0 || from >= len(s.queue) || to < 0 || to >= len(s.queue) {
			return "", &Ack{Code: 2, Message: "Bad song index"}
		}
		s.moveLocked(from, to)
		s.mutatedLocked()
		return "", nil
	case "clear":
		s.queue = nil
		s.current = -1
		s.mutatedLocked()
		return "", nil
	case "play":
		pos := 0
		if len(args) > 0 {
			p, err := intArg(args, 0)
			if err != nil {
				return "", err
			}
			pos = p
		}
		if pos >= len(s.queue) {
			return "", &Ack{Code: 2, Message: "Bad song index"}
		}
		s.state = "play"
		s.current = pos
		s.notifyLocked("player")
		return "", nil
	case "playid":
		id, err := intArg(args, 0)
		if err != nil {
			return "", err
		}
		for i, song := range s.queue {
			if song.ID == id {
				s.state = "play"
				s.current = i
				s.notifyLocked("player")
				return "", nil
			}
		}
		return "", &Ack{Code: 50, Message: "No such song"}
	case "pause":
		if len(args) > 0 && args[0] == "0" {
			s.state = "play"
		} else {
			s.state = "pause"
		}
		s.notifyLocked("player")
		return "", nil
	case "stop":
		s.state = "stop"
		s.notifyLocked("player")
		return "", nil
	case "next", "previous":
		if s.current < 0 {
			return "", nil
		}
		if verb == "next" {
			s.current++
		} else if s.current > 0 {
			s.current--
		}
		if s.current >= len(s.queue) {
			s.current = -1
			s.state = "stop"
		}
		s.notifyLocked("player")
		return "", nil
	case "seek", "seekid", "seekcur":
		s.notifyLocked("player")
		return "", nil
	case "setvol":
		v, err := intArg(args, 0)
		if err != nil {
			return "", err
		}
		s.volume = v
		s.notifyLocked("mixer")
		return "", nil
	case "random", "repeat", "single", "consume":
		if len(args) != 1 {
			return "", &Ack{Code: 2, Message: "wrong number of arguments"}
		}
		s.options[verb] = args[0] == "1"
		s.notifyLocked("options")
		return "", nil
	}
	return "", &Ack{Code: 5, Message: "unknown command \"" + verb + "\""}
}

func (s *Server) statusLocked() string {
	var b strings.Builder
	fmt.Fprintf(&b, "volume: %d\n", s.volume)
	for _, opt := range []string{"repeat", "random", "single", "consume"} {
		fmt.Fprintf(&b, "%s: %s\n", opt, boolText(s.options[opt]))
	}
	fmt.Fprintf(&b, "playlist: %d\n", s.version)
	fmt.Fprintf(&b, "playlistlength: %d\n", len(s.queue))
	fmt.Fprintf(&b, "state: %s\n", s.state)
	if s.current >= 0 && s.current < len(s.queue) {
		fmt.Fprintf(&b, "song: %d\nsongid: %d\n", s.current, s.queue[s.current].ID)
		if s.state != "stop" {
			b.WriteString("elapsed: 12.500\nduration: 200.000\nbitrate: 900\naudio: 44100:16:2\n")
		}
	}
	return b.String()
}

func (s *Server) addLocked(file string, pos int) int {
	song := &Song{File: file, Title: titleOf(file), ID: s.nextID}
	s.nextID++
	if pos < 0 || pos >= len(s.queue) {
		s.queue = append(s.queue, song)
		return song.ID
	}
	s.queue = append(s.queue, nil)
	copy(s.queue[pos+1:], s.queue[pos:])
	s.queue[pos] = song
	for _, moved := range s.queue[pos:] {
		moved.version = s.version + 1
	}
	return song.ID
}

func (s *Server) deleteLocked(pos int) {
	s.queue = append(s.queue[:pos], s.queue[pos+1:]...)
	for _, moved := range s.queue[pos:] {
		moved.version = s.version + 1
	}
	if s.current == pos {
		s.current = -1
		s.state = "stop"
	} else if s.current > pos {
		s.current--
	}
}

func (s *Server) moveLocked(from, to int) {
	song := s.queue[from]
	s.queue = append(s.queue[:from], s.queue[from+1:]...)
	s.queue = append(s.queue, nil)
	copy(s.queue[to+1:], s.queue[to:])
	s.queue[to] = song
	lo, hi := from, to
	if lo > hi {
		lo, hi = hi, lo
	}
	for _, moved := range s.queue[lo : hi+1] {
		moved.version = s.version + 1
	}
}

// mutatedLocked bumps the queue version. Entries appended since the last
// bump carry version 0 and are stamped here.
func (s *Server) mutatedLocked() {
	s.version++
	for _, song := range s.queue {
		if song.version == 0 {
			song.version = s.version
		}
	}
	s.notifyLocked("playlist")
}

func songText(song *Song, pos int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "file: %s\n", song.File)
	if song.Artist != "" {
		fmt.Fprintf(&b, "Artist: %s\n", song.Artist)
	}
	if song.Album != "" {
		fmt.Fprintf(&b, "Album: %s\n", song.Album)
	}
	if song.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", song.Title)
	}
	fmt.Fprintf(&b, "Time: 200\nduration: 200.000\nPos: %d\nId: %d\n", pos, song.ID)
	return b.String()
}

func titleOf(file string) string {
	if i := strings.LastIndexByte(file, '/'); i >= 0 {
		file = file[i+1:]
	}
	return strings.TrimSuffix(file, ".flac")
}

func boolText(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func intArg(args []string, i int) (int, error) {
	if i >= len(args) {
		return 0, &Ack{Code: 2, Message: "wrong number of arguments"}
	}
	n, err := strconv.Atoi(args[i])
	if err != nil {
		return 0, &Ack{Code: 2, Message: "need an integer"}
	}
	return n, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
