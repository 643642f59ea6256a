package wallet

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.mozilla.org/pkcs7"

	"github.com/cppla/passbook/services"
	"github.com/cppla/passbook/storage"
	"github.com/cppla/passbook/utils"
)

// AppleConfig describes the pass type and where passes are served from.
type AppleConfig struct {
	PassTypeIdentifier string
	TeamID             string
	Organization       string
	Description        string
	// TemplateDir holds pass.json overrides and images; missing is fine.
	TemplateDir   string
	PublicBaseURL string
	// LinkSecret signs download links.
	LinkSecret string
	LinkTTL    time.Duration
}

// AppleBuilder produces signed .pkpass archives and stores them.
type AppleBuilder struct {
	cfg   AppleConfig
	certs *CertificateCache
	store storage.BlobStore
}

// NewAppleBuilder builds an AppleBuilder.
func NewAppleBuilder(cfg AppleConfig, certs *CertificateCache, store storage.BlobStore) *AppleBuilder {
	if cfg.LinkTTL <= 0 {
		cfg.LinkTTL = 5 * time.Minute
	}
	if cfg.Description == "" {
		cfg.Description = cfg.Organization + " loyalty pass"
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return &AppleBuilder{cfg: cfg, certs: certs, store: store}
}

// Platform implements services.PassBuilder.
func (b *AppleBuilder) Platform() string { return services.PlatformApple }

// Build implements services.PassBuilder. Both modes write the archive; BuildIssue also signs a
// download link.
func (b *AppleBuilder) Build(ctx context.Context, state services.PassState, mode services.BuildMode) (*services.Artifact, error) {
	certs, err := b.certs.Signing(ctx)
	if err != nil {
		return nil, fmt.Errorf("load signing certificates: %w", err)
	}

	files, err := b.templateFiles(state.Level)
	if err != nil {
		return nil, err
	}
	passJSON, err := b.passJSON(files["pass.json"], state)
	if err != nil {
		return nil, err
	}
	files["pass.json"] = passJSON

	manifest, err := buildManifest(files)
	if err != nil {
		return nil, err
	}
	signature, err := signManifest(manifest, certs)
	if err != nil {
		return nil, err
	}
	files["manifest.json"] = manifest
	files["signature"] = signature

	archive, err := zipFiles(files)
	if err != nil {
		return nil, err
	}

	key := storage.PassArchiveKey(state.Serial)
	err = utils.Retry(ctx, 3, 200*time.Millisecond, func(ctx context.Context) error {
		return b.store.Put(ctx, key, archive, storage.PassArchiveContentType)
	})
	if err != nil {
		return nil, fmt.Errorf("store pass archive: %w", err)
	}

	art := &services.Artifact{
		Platform:    services.PlatformApple,
		ContentType: storage.PassArchiveContentType,
		Data:        archive,
	}
	if mode == services.BuildIssue {
		art.Link, err = b.DownloadLink(state.Serial)
		if err != nil {
			return nil, err
		}
	}
	return art, nil
}

// DownloadLink signs a short-lived link to the archive of serial.
func (b *AppleBuilder) DownloadLink(serial string) (string, error) {
	tok, err := utils.GenerateDownloadToken(b.cfg.LinkSecret, serial, b.cfg.LinkTTL)
	if err != nil {
		return "", err
	}
	return b.cfg.PublicBaseURL + "/download/" + url.PathEscape(serial) + "?t=" + url.QueryEscape(tok), nil
}

// templateFiles reads the template directory. The level image, when present under levels/,
// becomes the strip image.
func (b *AppleBuilder) templateFiles(level services.Level) (map[string][]byte, error) {
	files := map[string][]byte{}
	if b.cfg.TemplateDir == "" {
		return files, nil
	}
	entries, err := os.ReadDir(b.cfg.TemplateDir)
	if errors.Is(err, fs.ErrNotExist) {
		return files, nil
	}
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if e.Name() == "manifest.json" || e.Name() == "signature" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(b.cfg.TemplateDir, e.Name()))
		if err != nil {
			return nil, err
		}
		files[e.Name()] = raw
	}
	if level.Image != "" {
		if raw, err := os.ReadFile(filepath.Join(b.cfg.TemplateDir, "levels", level.Image)); err == nil {
			files["strip.png"] = raw
		}
	}
	return files, nil
}

type passField struct {
	Key   string      `json:"key"`
	Label string      `json:"label"`
	Value interface{} `json:"value"`
}

// passJSON overlays the member's state onto the template pass.json.
func (b *AppleBuilder) passJSON(template []byte, st services.PassState) ([]byte, error) {
	doc := map[string]interface{}{}
	if len(template) > 0 {
		if err := json.Unmarshal(template, &doc); err != nil {
			return nil, fmt.Errorf("template pass.json: %w", err)
		}
	}

	passType := st.PassTypeIdentifier
	if passType == "" {
		passType = b.cfg.PassTypeIdentifier
	}
	lastVisit := st.LastVisitText
	if lastVisit == "" {
		lastVisit = "-"
	}

	doc["formatVersion"] = 1
	doc["passTypeIdentifier"] = passType
	doc["teamIdentifier"] = b.cfg.TeamID
	doc["serialNumber"] = st.Serial
	doc["organizationName"] = b.cfg.Organization
	doc["description"] = b.cfg.Description
	doc["authenticationToken"] = st.AuthSecret
	doc["webServiceURL"] = b.cfg.PublicBaseURL + "/"
	doc["backgroundColor"] = hexToRGB(st.Level.BackgroundColor)
	doc["foregroundColor"] = hexToRGB(st.Level.ForegroundColor)
	doc["labelColor"] = hexToRGB(st.Level.ForegroundColor)
	doc["barcodes"] = []map[string]string{{
		"format":          "PKBarcodeFormatQR",
		"message":         st.Serial,
		"messageEncoding": "iso-8859-1",
	}}
	doc["storeCard"] = map[string]interface{}{
		"primaryFields": []passField{
			{Key: "level", Label: "Level", Value: st.Level.Name},
		},
		"secondaryFields": []passField{
			{Key: "name", Label: "Dreamer Name", Value: st.Name},
		},
		"auxiliaryFields": []passField{
			{Key: "visits", Label: "Visits", Value: st.VisitCount},
			{Key: "lastvisit", Label: "Last Visit", Value: lastVisit},
		},
		"backFields": []passField{
			{Key: "name_back", Label: "Dreamer Name", Value: st.Name},
			{Key: "level_back", Label: "Level", Value: st.Level.Name},
			{Key: "visits_back", Label: "Visits", Value: st.VisitCount},
			{Key: "lastvisit_back", Label: "Last Visit", Value: lastVisit},
		},
	}
	return json.MarshalIndent(doc, "", "  ")
}

// hexToRGB turns "#rrggbb" into the rgb() form pass.json expects. Other input passes through.
func hexToRGB(h string) string {
	s := strings.TrimPrefix(h, "#")
	if len(s) != 6 {
		return h
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return h
	}
	return fmt.Sprintf("rgb(%d, %d, %d)", v>>16&0xff, v>>8&0xff, v&0xff)
}

func buildManifest(files map[string][]byte) ([]byte, error) {
	manifest := make(map[string]string, len(files))
	for name, data := range files {
		sum := sha1.Sum(data)
		manifest[name] = hex.EncodeToString(sum[:])
	}
	return json.Marshal(manifest)
}

// signManifest produces the detached PKCS#7 signature over manifest.json.
func signManifest(manifest []byte, certs *Certificates) ([]byte, error) {
	sd, err := pkcs7.NewSignedData(manifest)
	if err != nil {
		return nil, fmt.Errorf("pkcs7 init: %w", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSigner(certs.Signer, certs.SignerKey, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, fmt.Errorf("pkcs7 signer: %w", err)
	}
	if certs.WWDR != nil {
		sd.AddCertificate(certs.WWDR)
	}
	sd.Detach()
	return sd.Finish()
}

func zipFiles(files map[string][]byte) ([]byte, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(files[name]); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
