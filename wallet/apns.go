package wallet

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cppla/passbook/models"
	"github.com/cppla/passbook/services"
)

const (
	apnsProductionURL = "https://api.push.apple.com"
	apnsSandboxURL    = "https://api.sandbox.push.apple.com"
	// Apple rejects provider tokens older than an hour and throttles refreshes under 20 minutes.
	apnsTokenLifetime = 50 * time.Minute
)

// APNsConfig configures token-based push.
type APNsConfig struct {
	TeamID string
	KeyID  string
	// Topic is used for devices registered without a pass type.
	Topic      string
	Production bool
	// BaseURL overrides the gateway picked by Production.
	BaseURL string
}

// APNsKeySource yields the signing key for provider tokens.
type APNsKeySource interface {
	APNsKey(ctx context.Context) (*ecdsa.PrivateKey, error)
}

// APNsSender sends the empty "pass changed" push wallet devices expect.
type APNsSender struct {
	cfg    APNsConfig
	keys   APNsKeySource
	client *http.Client
	now    func() time.Time

	mu       sync.Mutex
	token    string
	issuedAt time.Time
}

// NewAPNsSender builds a sender. A nil client gets an HTTP/2 capable default.
func NewAPNsSender(cfg APNsConfig, keys APNsKeySource, client *http.Client) *APNsSender {
	if cfg.BaseURL == "" {
		cfg.BaseURL = apnsSandboxURL
		if cfg.Production {
			cfg.BaseURL = apnsProductionURL
		}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if client == nil {
		client = &http.Client{
			Timeout:   15 * time.Second,
			Transport: &http.Transport{ForceAttemptHTTP2: true, MaxIdleConnsPerHost: 16},
		}
	}
	return &APNsSender{cfg: cfg, keys: keys, client: client, now: time.Now}
}

type apnsError struct {
	Reason string `json:"reason"`
}

// Push implements services.PushSender.
func (s *APNsSender) Push(ctx context.Context, device models.Device) error {
	if device.PushAddress == "" {
		return services.ErrPushAddressGone
	}
	token, err := s.providerToken(ctx)
	if err != nil {
		return err
	}
	topic := device.PassTypeIdentifier
	if topic == "" {
		topic = s.cfg.Topic
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.cfg.BaseURL+"/3/device/"+url.PathEscape(device.PushAddress), bytes.NewReader([]byte("{}")))
	if err != nil {
		return err
	}
	req.Header.Set("authorization", "bearer "+token)
	req.Header.Set("apns-topic", topic)
	req.Header.Set("apns-push-type", "background")
	req.Header.Set("apns-priority", "5")
	req.Header.Set("apns-expiration", strconv.FormatInt(s.now().Add(time.Hour).Unix(), 10))
	req.Header.Set("content-type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	var apiErr apnsError
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&apiErr)
	switch {
	case resp.StatusCode == http.StatusGone,
		resp.StatusCode == http.StatusBadRequest && apiErr.Reason == "BadDeviceToken",
		resp.StatusCode == http.StatusBadRequest && apiErr.Reason == "DeviceTokenNotForTopic":
		return fmt.Errorf("apns %d %s: %w", resp.StatusCode, apiErr.Reason, services.ErrPushAddressGone)
	case resp.StatusCode == http.StatusForbidden && apiErr.Reason == "ExpiredProviderToken":
		s.resetToken()
	}
	return fmt.Errorf("apns %d %s", resp.StatusCode, apiErr.Reason)
}

func (s *APNsSender) providerToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.token != "" && now.Sub(s.issuedAt) < apnsTokenLifetime {
		return s.token, nil
	}
	key, err := s.keys.APNsKey(ctx)
	if err != nil {
		return "", fmt.Errorf("load apns key: %w", err)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": s.cfg.TeamID,
		"iat": now.Unix(),
	})
	tok.Header["kid"] = s.cfg.KeyID
	signed, err := tok.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign apns token: %w", err)
	}
	s.token, s.issuedAt = signed, now
	return signed, nil
}

func (s *APNsSender) resetToken() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}
