package mailclient_test

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeServer is a scripted SMTP peer without TLS or AUTH.
type fakeServer struct {
	ln net.Listener

	mu          sync.Mutex
	rcptReply   map[string]string
	dropOnRcpt  int
	hangOnData  bool
	connections int
	messages    []string
	commands    []string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &fakeServer{ln: ln, rcptReply: map[string]string{}}
	t.Cleanup(func() { _ = ln.Close() })

	go s.serve()
	return s
}

func (s *fakeServer) addr() (string, int) {
	a := s.ln.Addr().(*net.TCPAddr)
	return a.IP.String(), a.Port
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		s.connections++
		s.mu.Unlock()

		go s.handle(conn)
	}
}

func (s *fakeServer) handle(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	write := func(lines ...string) {
		for _, l := range lines {
			_, _ = conn.Write([]byte(l + "\r\n"))
		}
	}

	write("220 fake.local ESMTP ready")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}

		line = strings.TrimRight(line, "\r\n")
		cmd := strings.ToUpper(line)

		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		s.mu.Unlock()

		switch {
		case strings.HasPrefix(cmd, "EHLO"):
			write("250-fake.local", "250-PIPELINING", "250 8BITMIME")

		case strings.HasPrefix(cmd, "HELO"), strings.HasPrefix(cmd, "NOOP"), strings.HasPrefix(cmd, "RSET"),
			strings.HasPrefix(cmd, "MAIL FROM"):
			write("250 2.0.0 ok")

		case strings.HasPrefix(cmd, "RCPT TO"):
			addr := strings.Trim(strings.TrimPrefix(line[len("RCPT TO:"):], " "), "<>")

			s.mu.Lock()
			drop := s.dropOnRcpt > 0
			if drop {
				s.dropOnRcpt--
			}
			reply, scripted := s.rcptReply[strings.ToLower(addr)]
			s.mu.Unlock()

			if drop {
				return
			}

			if scripted {
				write(reply)
				continue
			}

			write("250 2.1.5 ok")

		case cmd == "DATA":
			write("354 go ahead")

			var sb strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}

				if l == ".\r\n" {
					break
				}

				sb.WriteString(l)
			}

			s.mu.Lock()
			s.messages = append(s.messages, sb.String())
			hang := s.hangOnData
			s.mu.Unlock()

			if hang {
				time.Sleep(2 * time.Second)
				return
			}

			write("250 2.0.0 queued")

		case cmd == "QUIT":
			write("221 2.0.0 bye")
			return

		default:
			write("502 5.5.2 command not recognized")
		}
	}
}

func (s *fakeServer) stats() (connections int, messages []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.connections, append([]string(nil), s.messages...)
}
