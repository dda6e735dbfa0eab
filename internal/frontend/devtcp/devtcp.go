// Package devtcp is a development front end: chassis requests as
// newline-delimited JSON over TCP, one object per line. It exists for
// local testing and integration runs where a full IPMI stack would be
// overkill; production deployments link a wire-level front end instead.
//
// A connection authenticates with its first line, then exchanges
// request/response pairs:
//
//	{"username":"admin","password":"password"}
//	{"netfn":0,"command":1}
package devtcp

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/vboxbmc/vboxbmc/internal/frontend"
	"github.com/vboxbmc/vboxbmc/internal/ipmi"
)

// Name is the registry name of this front end.
const Name = "dev"

func init() {
	frontend.Register(Name, New)
}

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Request is one chassis request line. Data is base64 in the JSON form.
type Request struct {
	NetFn   uint8  `json:"netfn"`
	Command uint8  `json:"command"`
	Data    []byte `json:"data,omitempty"`
}

// Response is the reply line for one request.
type Response struct {
	Code  uint8  `json:"code"`
	Data  []byte `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// Listener serves the dev protocol for one BMC instance.
type Listener struct {
	cfg     frontend.Config
	handler *ipmi.ChassisHandler
	log     zerolog.Logger
}

// New builds a dev front end. Registered under Name.
func New(cfg frontend.Config, handler *ipmi.ChassisHandler, log zerolog.Logger) (frontend.Listener, error) {
	return &Listener{cfg: cfg, handler: handler, log: log}, nil
}

// Listen accepts connections until ctx is canceled.
func (l *Listener) Listen(ctx context.Context) error {
	addr := net.JoinHostPort(l.cfg.Address, strconv.Itoa(l.cfg.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return errors.Errorf("listening on %s: %w", addr, err)
	}
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	l.log.Debug().Str("addr", ln.Addr().String()).Msg("dev front end listening")

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Errorf("accepting connection: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.serve(ctx, conn)
		}()
	}
}

func (l *Listener) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)

	if !l.authenticate(scanner, enc) {
		l.log.Warn().Str("remote", conn.RemoteAddr().String()).Msg("dev front end auth failed")
		return
	}

	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			_ = enc.Encode(Response{
				Code:  uint8(ipmi.CompletionCodeInvalidField),
				Error: "malformed request: " + err.Error(),
			})
			continue
		}
		code, data := l.handler.Handle(ctx, &ipmi.Message{
			NetFn:   req.NetFn,
			Command: req.Command,
			Data:    req.Data,
		})
		if err := enc.Encode(Response{Code: uint8(code), Data: data}); err != nil {
			return
		}
	}
}

// authenticate reads the first line and checks it against the forwarded
// credentials.
func (l *Listener) authenticate(scanner *bufio.Scanner, enc *json.Encoder) bool {
	if !scanner.Scan() {
		return false
	}
	var auth authRequest
	if err := json.Unmarshal(scanner.Bytes(), &auth); err != nil {
		_ = enc.Encode(Response{Code: uint8(ipmi.CompletionCodeInvalidField), Error: "malformed auth"})
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(auth.Username), []byte(l.cfg.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(auth.Password), []byte(l.cfg.Password)) == 1
	if !userOK || !passOK {
		_ = enc.Encode(Response{Code: uint8(ipmi.CompletionCodeUnspecified), Error: "authentication failed"})
		return false
	}
	return enc.Encode(Response{Code: uint8(ipmi.CompletionCodeOK)}) == nil
}
