package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"testing"
	"time"

	xssh "golang.org/x/crypto/ssh"
)

// startStreamingServer runs an in-process SSH server whose exec handler
// streams output until the channel closes and never reports an exit status.
func startStreamingServer(t *testing.T) string {
	t.Helper()
	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("host key: %v", err)
	}
	signer, err := xssh.NewSignerFromKey(hostKey)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}
	cfg := &xssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go serveStreamingConn(nc, cfg)
		}
	}()
	return ln.Addr().String()
}

func serveStreamingConn(nc net.Conn, cfg *xssh.ServerConfig) {
	sc, chans, reqs, err := xssh.NewServerConn(nc, cfg)
	if err != nil {
		return
	}
	defer sc.Close()
	go xssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(xssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go func(ch xssh.Channel, chReqs <-chan *xssh.Request) {
			for req := range chReqs {
				switch req.Type {
				case "exec":
					req.Reply(true, nil)
					go func() {
						for {
							if _, err := ch.Write([]byte("tick\n")); err != nil {
								return
							}
							time.Sleep(2 * time.Millisecond)
						}
					}()
				default:
					if req.WantReply {
						req.Reply(false, nil)
					}
				}
			}
		}(ch, chReqs)
	}
}

func TestRunTimeoutWhileOutputStreams(t *testing.T) {
	addr := startStreamingServer(t)
	cli, err := xssh.Dial("tcp", addr, &xssh.ClientConfig{
		User:            "deploy",
		HostKeyCallback: xssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	conn := &sshConn{addr: addr, cli: cli}
	res, err := conn.Run(context.Background(), Command{Cmd: "stream", Timeout: 50 * time.Millisecond})

	var toErr *TimeoutError
	if !errors.As(err, &toErr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if res.Stdout == "" {
		t.Errorf("output produced before the timeout must be captured")
	}
}

func TestRunCtxCancelWhileOutputStreams(t *testing.T) {
	addr := startStreamingServer(t)
	cli, err := xssh.Dial("tcp", addr, &xssh.ClientConfig{
		User:            "deploy",
		HostKeyCallback: xssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	conn := &sshConn{addr: addr, cli: cli}
	_, err = conn.Run(ctx, Command{Cmd: "stream"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
}
