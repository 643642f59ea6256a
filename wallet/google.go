package wallet

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"

	"github.com/cppla/passbook/services"
	"github.com/cppla/passbook/utils"
)

const (
	googleWalletScope   = "https://www.googleapis.com/auth/wallet_object.issuer"
	googleWalletBaseURL = "https://walletobjects.googleapis.com/walletobjects/v1"
	googleSaveURL       = "https://pay.google.com/gp/v/save/"
)

// GoogleConfig names the issuer account and the loyalty class passes belong to.
type GoogleConfig struct {
	IssuerID    string
	ClassSuffix string
	// Postpend is appended to object ids so a fresh class can coexist with old objects.
	Postpend    string
	ProgramName string
	IssuerName  string
	Origins     []string
	// BaseURL overrides the wallet objects endpoint.
	BaseURL string
}

// GoogleBuilder issues save-to-wallet links and keeps loyalty objects current.
type GoogleBuilder struct {
	cfg         GoogleConfig
	client      *http.Client
	clientEmail string
	key         *rsa.PrivateKey
}

type serviceAccount struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

// NewGoogleBuilderFromJSON authenticates with a service account key file.
func NewGoogleBuilderFromJSON(ctx context.Context, cfg GoogleConfig, credsJSON []byte) (*GoogleBuilder, error) {
	var sa serviceAccount
	if err := json.Unmarshal(credsJSON, &sa); err != nil {
		return nil, fmt.Errorf("parse google credentials: %w", err)
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		return nil, errors.New("google credentials missing client_email or private_key")
	}
	key, err := ParsePrivateKeyPEM([]byte(sa.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("google private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("google private key is not RSA")
	}

	creds, err := google.CredentialsFromJSON(ctx, credsJSON, googleWalletScope)
	if err != nil {
		return nil, fmt.Errorf("google credentials: %w", err)
	}
	client := oauth2.NewClient(context.Background(), creds.TokenSource)
	client.Timeout = 15 * time.Second
	return NewGoogleBuilder(cfg, client, sa.ClientEmail, rsaKey), nil
}

// NewGoogleBuilder wires an already-authenticated client.
func NewGoogleBuilder(cfg GoogleConfig, client *http.Client, clientEmail string, key *rsa.PrivateKey) *GoogleBuilder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = googleWalletBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ClassSuffix == "" {
		cfg.ClassSuffix = "csd"
	}
	if cfg.ProgramName == "" {
		cfg.ProgramName = "California St Dreaming"
	}
	if cfg.IssuerName == "" {
		cfg.IssuerName = "CSD Pass"
	}
	if cfg.Origins == nil {
		cfg.Origins = []string{}
	}
	return &GoogleBuilder{cfg: cfg, client: client, clientEmail: clientEmail, key: key}
}

// Platform implements services.PassBuilder.
func (g *GoogleBuilder) Platform() string { return services.PlatformGoogle }

// ClassID is the loyalty class every object belongs to.
func (g *GoogleBuilder) ClassID() string {
	return g.cfg.IssuerID + "." + g.cfg.ClassSuffix
}

// ObjectID is the loyalty object for serial.
func (g *GoogleBuilder) ObjectID(serial string) string {
	return g.cfg.IssuerID + "." + g.cfg.ClassSuffix + "." + serial + g.cfg.Postpend
}

// Build implements services.PassBuilder. Issuing returns a signed save link carrying the
// full object and also refreshes an object saved earlier. Refreshing patches in place; an
// object nobody saved yet is not an error.
func (g *GoogleBuilder) Build(ctx context.Context, state services.PassState, mode services.BuildMode) (*services.Artifact, error) {
	if err := g.patchObject(ctx, state); err != nil {
		return nil, err
	}
	art := &services.Artifact{Platform: services.PlatformGoogle}
	if mode == services.BuildIssue {
		link, err := g.SaveLink(state)
		if err != nil {
			return nil, err
		}
		art.Link = link
	}
	return art, nil
}

// SaveLink signs the save-to-wallet JWT for state.
func (g *GoogleBuilder) SaveLink(state services.PassState) (string, error) {
	claims := jwt.MapClaims{
		"iss":     g.clientEmail,
		"aud":     "google",
		"typ":     "savetowallet",
		"iat":     time.Now().Unix(),
		"origins": g.cfg.Origins,
		"payload": map[string]interface{}{
			"loyaltyObjects": []interface{}{g.loyaltyObject(state)},
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(g.key)
	if err != nil {
		return "", fmt.Errorf("sign save link: %w", err)
	}
	return googleSaveURL + signed, nil
}

// EnsureClass creates the loyalty class when the issuer does not have it yet.
func (g *GoogleBuilder) EnsureClass(ctx context.Context) error {
	classURL := g.cfg.BaseURL + "/loyaltyClass/" + url.PathEscape(g.ClassID())
	err := g.do(ctx, http.MethodGet, classURL, nil)
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return err
	}
	utils.Logger.Info("creating google loyalty class")
	return g.do(ctx, http.MethodPost, g.cfg.BaseURL+"/loyaltyClass", g.loyaltyClass())
}

func (g *GoogleBuilder) patchObject(ctx context.Context, state services.PassState) error {
	body := map[string]interface{}{
		"loyaltyPoints":          visitPoints(state),
		"secondaryLoyaltyPoints": lastVisitPoints(state),
		"textModulesData":        levelModule(state),
	}
	objURL := g.cfg.BaseURL + "/loyaltyObject/" + url.PathEscape(g.ObjectID(state.Serial))
	err := g.do(ctx, http.MethodPatch, objURL, body)
	if isNotFound(err) {
		return nil
	}
	return err
}

func (g *GoogleBuilder) loyaltyObject(state services.PassState) map[string]interface{} {
	return map[string]interface{}{
		"id":                      g.ObjectID(state.Serial),
		"classId":                 g.ClassID(),
		"state":                   "ACTIVE",
		"accountName":             state.Name,
		"accountId":               state.Serial,
		"smartTapRedemptionValue": state.Email,
		"barcode": map[string]string{
			"type":  "QR_CODE",
			"value": state.Serial,
		},
		"loyaltyPoints":          visitPoints(state),
		"secondaryLoyaltyPoints": lastVisitPoints(state),
		"textModulesData":        levelModule(state),
		"passConstraints": map[string]interface{}{
			"nfcConstraint": []string{"BLOCK_PAYMENT"},
		},
	}
}

func (g *GoogleBuilder) loyaltyClass() map[string]interface{} {
	return map[string]interface{}{
		"id":                                     g.ClassID(),
		"issuerName":                             g.cfg.IssuerName,
		"programName":                            g.cfg.ProgramName,
		"accountNameLabel":                       "Dreamer Name",
		"hexBackgroundColor":                     "#050505",
		"reviewStatus":                           "UNDER_REVIEW",
		"redemptionIssuers":                      []string{g.cfg.IssuerID},
		"countryCode":                            "US",
		"enableSmartTap":                         true,
		"multipleDevicesAndHoldersAllowedStatus": "MULTIPLE_HOLDERS",
	}
}

func visitPoints(state services.PassState) map[string]interface{} {
	return map[string]interface{}{
		"label":   "Visits",
		"balance": map[string]int{"int": state.VisitCount},
	}
}

func lastVisitPoints(state services.PassState) map[string]interface{} {
	text := state.LastVisitText
	if text == "" {
		text = "-"
	}
	return map[string]interface{}{
		"label":   "Last Visit",
		"balance": map[string]string{"string": text},
	}
}

func levelModule(state services.PassState) []map[string]string {
	return []map[string]string{{
		"id":     "level",
		"header": "Level",
		"body":   state.Level.Name,
	}}
}

// do sends one JSON request. Client errors are not retried.
func (g *GoogleBuilder) do(ctx context.Context, method, target string, body interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}
	return utils.Retry(ctx, 3, 300*time.Millisecond, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
		if err != nil {
			return utils.Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := g.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := googleapi.CheckResponse(resp); err != nil {
			var gerr *googleapi.Error
			if errors.As(err, &gerr) && gerr.Code < 500 && gerr.Code != http.StatusTooManyRequests {
				return utils.Permanent(err)
			}
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	})
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}
