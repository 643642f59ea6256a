package wallet

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cppla/passbook/services"
)

type recordedCall struct {
	Method string
	Path   string
	Body   map[string]interface{}
}

type fakeWalletAPI struct {
	mu       sync.Mutex
	calls    []recordedCall
	objects  map[string]bool
	hasClass bool
}

func (f *fakeWalletAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]interface{}
	_ = json.Unmarshal(raw, &body)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCall{Method: r.Method, Path: r.URL.Path, Body: body})

	notFound := func() {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":404,"message":"not found"}}`))
	}
	switch {
	case r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/loyaltyObject/"):
		if !f.objects[strings.TrimPrefix(r.URL.Path, "/loyaltyObject/")] {
			notFound()
			return
		}
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/loyaltyClass/"):
		if !f.hasClass {
			notFound()
			return
		}
	case r.Method == http.MethodPost && r.URL.Path == "/loyaltyClass":
		f.hasClass = true
	}
	_, _ = w.Write([]byte(`{}`))
}

func newGoogleFixture(t *testing.T) (*GoogleBuilder, *fakeWalletAPI, *rsa.PrivateKey) {
	t.Helper()
	api := &fakeWalletAPI{objects: map[string]bool{}}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	key, _, _ := selfSigned(t, "wallet")
	g := NewGoogleBuilder(GoogleConfig{
		IssuerID: "3388",
		Postpend: "-v2",
		Origins:  []string{"https://club.example.com"},
		BaseURL:  srv.URL,
	}, srv.Client(), "wallet@test.iam.gserviceaccount.com", key)
	return g, api, key
}

func TestGoogleBuilder_IDs(t *testing.T) {
	g, _, _ := newGoogleFixture(t)
	assert.Equal(t, "3388.csd", g.ClassID())
	assert.Equal(t, "3388.csd.ann_example_com-v2", g.ObjectID("ann_example_com"))
}

func TestGoogleBuilder_IssueSignsSaveLink(t *testing.T) {
	g, api, key := newGoogleFixture(t)
	state := services.PassState{Serial: "ann_example_com", Name: "Ann", Email: "ann@example.com", VisitCount: 3, Level: services.Level{Name: "Dozer"}}

	art, err := g.Build(context.Background(), state, services.BuildIssue)
	require.NoError(t, err, "an unsaved object is not an error")
	require.True(t, strings.HasPrefix(art.Link, googleSaveURL))
	require.Len(t, api.calls, 1)
	assert.Equal(t, http.MethodPatch, api.calls[0].Method)

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(strings.TrimPrefix(art.Link, googleSaveURL), claims, func(tok *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithAudience("google"))
	require.NoError(t, err)
	assert.Equal(t, "savetowallet", claims["typ"])
	assert.Equal(t, "wallet@test.iam.gserviceaccount.com", claims["iss"])

	payload := claims["payload"].(map[string]interface{})
	objects := payload["loyaltyObjects"].([]interface{})
	require.Len(t, objects, 1)
	obj := objects[0].(map[string]interface{})
	assert.Equal(t, "3388.csd.ann_example_com-v2", obj["id"])
	assert.Equal(t, "3388.csd", obj["classId"])
	assert.Equal(t, "Ann", obj["accountName"])
	points := obj["loyaltyPoints"].(map[string]interface{})["balance"].(map[string]interface{})
	assert.EqualValues(t, 3, points["int"])
}

func TestGoogleBuilder_RefreshPatchesSavedObject(t *testing.T) {
	g, api, _ := newGoogleFixture(t)
	api.objects["3388.csd.s1-v2"] = true

	art, err := g.Build(context.Background(), services.PassState{Serial: "s1", VisitCount: 9, Level: services.Level{Name: "Gold"}}, services.BuildRefresh)
	require.NoError(t, err)
	assert.Empty(t, art.Link)

	require.Len(t, api.calls, 1)
	call := api.calls[0]
	assert.Equal(t, "/loyaltyObject/3388.csd.s1-v2", call.Path)
	modules := call.Body["textModulesData"].([]interface{})
	assert.Equal(t, "Gold", modules[0].(map[string]interface{})["body"])
}

func TestGoogleBuilder_EnsureClass(t *testing.T) {
	g, api, _ := newGoogleFixture(t)
	ctx := context.Background()

	require.NoError(t, g.EnsureClass(ctx))
	require.Len(t, api.calls, 2)
	assert.Equal(t, http.MethodPost, api.calls[1].Method)
	assert.Equal(t, "3388.csd", api.calls[1].Body["id"])

	require.NoError(t, g.EnsureClass(ctx))
	assert.Len(t, api.calls, 3, "existing class is left alone")
}

func TestGoogleBuilder_ClientErrorsAreNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	key, _, _ := selfSigned(t, "wallet")
	g := NewGoogleBuilder(GoogleConfig{IssuerID: "1", BaseURL: srv.URL}, srv.Client(), "x@y", key)

	_, err := g.Build(context.Background(), services.PassState{Serial: "s"}, services.BuildRefresh)
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestNewGoogleBuilderFromJSON_RejectsIncompleteCredentials(t *testing.T) {
	_, err := NewGoogleBuilderFromJSON(context.Background(), GoogleConfig{}, []byte(`{"client_email":"a@b"}`))
	assert.Error(t, err)
	_, err = NewGoogleBuilderFromJSON(context.Background(), GoogleConfig{}, []byte(`not json`))
	assert.Error(t, err)
}
