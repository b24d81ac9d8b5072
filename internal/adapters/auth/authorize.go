package auth

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

var ErrCallbackTimeout = errors.New("timed out waiting for oauth callback")

type AuthorizationRequest struct {
	AuthURL       string
	ClientID      string
	RedirectURI   string
	Scopes        []string
	State         string
	CodeChallenge string
}

func BuildAuthorizationURL(req AuthorizationRequest) (string, error) {
	if req.AuthURL == "" {
		return "", errors.New("auth url is required")
	}
	if req.ClientID == "" {
		return "", errors.New("client id is required")
	}
	if req.RedirectURI == "" {
		return "", errors.New("redirect uri is required")
	}
	if req.State == "" {
		return "", errors.New("state is required")
	}
	if req.CodeChallenge == "" {
		return "", errors.New("code challenge is required")
	}

	parsed, err := url.Parse(req.AuthURL)
	if err != nil {
		return "", fmt.Errorf("parse auth url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("auth url must use http or https")
	}
	if parsed.Host == "" {
		return "", errors.New("auth url host is required")
	}

	q := parsed.Query()
	q.Set("response_type", "code")
	q.Set("client_id", req.ClientID)
	q.Set("redirect_uri", req.RedirectURI)
	if len(req.Scopes) > 0 {
		q.Set("scope", strings.Join(req.Scopes, " "))
	}
	q.Set("state", req.State)
	q.Set("code_challenge", req.CodeChallenge)
	q.Set("code_challenge_method", PKCEChallengeMethodS256)
	parsed.RawQuery = q.Encode()

	return parsed.String(), nil
}

// Callback is one redirect delivery relayed by the landing page: either a
// code or an oauth error, always with the state that names the attempt.
type Callback struct {
	Code             string
	State            string
	OAuthError       string
	ErrorDescription string
}

// CallbackServer listens on loopback for the authorization redirect. It does
// not judge state validity itself; every delivery (including duplicates) is
// forwarded so the flow coordinator can apply its consume-once rules.
type CallbackServer struct {
	listener   net.Listener
	server     *http.Server
	deliveries chan Callback
	closeOnce  sync.Once
}

func StartCallbackServer(listenAddr string) (*CallbackServer, error) {
	if listenAddr == "" {
		listenAddr = "127.0.0.1:0"
	}

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen callback server: %w", err)
	}

	cb := &CallbackServer{
		listener:   listener,
		deliveries: make(chan Callback, 8),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/callback", cb.handleCallback)

	cb.server = &http.Server{Handler: mux}

	go func() {
		_ = cb.server.Serve(cb.listener)
	}()

	return cb, nil
}

func (c *CallbackServer) RedirectURI() string {
	if tcpAddr, ok := c.listener.Addr().(*net.TCPAddr); ok {
		return fmt.Sprintf("http://127.0.0.1:%d/auth/callback", tcpAddr.Port)
	}
	return "http://127.0.0.1/auth/callback"
}

// NextDelivery blocks until a redirect arrives or the timeout elapses. The
// server keeps accepting further deliveries until Close, so duplicated
// redirects can still be observed and rejected upstream.
func (c *CallbackServer) NextDelivery(timeout time.Duration) (Callback, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case delivery := <-c.deliveries:
		return delivery, nil
	case <-timer.C:
		return Callback{}, ErrCallbackTimeout
	}
}

func (c *CallbackServer) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		closeErr = c.server.Close()
	})
	return closeErr
}

func (c *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	delivery := Callback{
		Code:             query.Get("code"),
		State:            query.Get("state"),
		OAuthError:       query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}

	select {
	case c.deliveries <- delivery:
	default:
	}

	if delivery.OAuthError != "" {
		http.Error(w, "oauth error", http.StatusBadRequest)
		return
	}
	if delivery.Code == "" || delivery.State == "" {
		http.Error(w, "missing code or state", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Authentication complete. You can close this window."))
}
