package mender

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/mender-agent/pkg/log"
	"github.com/cuemby/mender-agent/pkg/tarstream"
	"github.com/cuemby/mender-agent/pkg/types"
	"github.com/rs/zerolog"
)

type versionJSON struct {
	Format  string `json:"format"`
	Version int    `json:"version"`
}

type headerInfoJSON struct {
	Payloads []struct {
		Type string `json:"type"`
	} `json:"payloads"`
}

type typeInfoJSON struct {
	Type string `json:"type"`
}

type nestedKind int

const (
	nestedHeader nestedKind = iota
	nestedData
)

// nestedArchive tracks the header.tar or one data/NNNN.tar member
// currently being unpacked via its own tarstream.Parser. Only one is ever
// open at a time, matching the artifact's own file-at-a-time ordering
// guarantee (spec 4.5.4).
type nestedArchive struct {
	kind     nestedKind
	index    int
	gz       bool
	total    int64
	received int64
	raw      bytes.Buffer // accumulates compressed bytes only when gz

	parser *tarstream.Parser

	curName string
	curSize int64
	metaBuf bytes.Buffer

	handler PayloadHandler
	opened  bool
}

// ingester consumes the raw byte stream of one artifact download,
// dispatching tar entries to the right place: small metadata files are
// buffered and parsed as JSON, payload file bytes are forwarded to the
// registered PayloadHandler for their type in tar order.
type ingester struct {
	outer    *tarstream.Parser
	registry *Registry
	logger   zerolog.Logger

	deploymentID string
	artifactName string

	pendingOuterFile string
	pendingOuterBuf  bytes.Buffer

	nested *nestedArchive

	types           []types.PayloadRecord
	metaDataByIndex map[int]json.RawMessage
	handlers        map[int]PayloadHandler

	manifest    []byte
	manifestSig []byte
}

func newIngester(registry *Registry, deploymentID, artifactName string) *ingester {
	return &ingester{
		outer:           tarstream.New(),
		registry:        registry,
		deploymentID:    deploymentID,
		artifactName:    artifactName,
		metaDataByIndex: make(map[int]json.RawMessage),
		handlers:        make(map[int]PayloadHandler),
		logger:          log.WithComponent("mender.ingest"),
	}
}

// feed consumes one chunk of artifact bytes as delivered by a transport
// DataReceived event.
func (g *ingester) feed(chunk []byte) error {
	for len(chunk) > 0 {
		consumed, ev, err := g.outer.Parse(chunk)
		chunk = chunk[consumed:]
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnsupportedArtifact, err)
		}
		switch ev.Kind {
		case tarstream.Header:
			if err := g.onOuterHeader(ev.Header); err != nil {
				return err
			}
		case tarstream.Data:
			if err := g.onOuterData(ev.Data); err != nil {
				return err
			}
		case tarstream.EOF:
			return g.finalizeOuterPending()
		}
	}
	return nil
}

func (g *ingester) onOuterHeader(hdr tarstream.FileHeader) error {
	if err := g.finalizeOuterPending(); err != nil {
		return err
	}
	g.nested = nil

	name := hdr.Name
	switch {
	case name == "version", name == "manifest", name == "manifest.sig":
		g.pendingOuterFile = name
		g.pendingOuterBuf.Reset()
	case name == "header.tar" || name == "header.tar.gz":
		g.nested = &nestedArchive{kind: nestedHeader, index: -1, gz: strings.HasSuffix(name, ".gz"), total: hdr.Size}
		if !g.nested.gz {
			g.nested.parser = tarstream.New()
		}
	default:
		if idx, gz, ok := parseDataArchiveName(name); ok {
			g.nested = &nestedArchive{kind: nestedData, index: idx, gz: gz, total: hdr.Size}
			if !g.nested.gz {
				g.nested.parser = tarstream.New()
			}
		}
	}
	return nil
}

func parseDataArchiveName(name string) (index int, gz bool, ok bool) {
	if !strings.HasPrefix(name, "data/") {
		return 0, false, false
	}
	rest := strings.TrimPrefix(name, "data/")
	switch {
	case strings.HasSuffix(rest, ".tar.gz"):
		rest = strings.TrimSuffix(rest, ".tar.gz")
		gz = true
	case strings.HasSuffix(rest, ".tar"):
		rest = strings.TrimSuffix(rest, ".tar")
	default:
		return 0, false, false
	}
	idx, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false, false
	}
	return idx, gz, true
}

func parsePayloadIndex(name string) (int, bool) {
	parts := strings.Split(name, "/")
	if len(parts) < 2 {
		return 0, false
	}
	idx, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false
	}
	return idx, true
}

func (g *ingester) onOuterData(data []byte) error {
	switch {
	case g.pendingOuterFile != "":
		g.pendingOuterBuf.Write(data)
		return nil
	case g.nested != nil:
		return g.feedNested(data)
	default:
		return nil
	}
}

func (g *ingester) finalizeOuterPending() error {
	switch g.pendingOuterFile {
	case "version":
		var v versionJSON
		if err := json.Unmarshal(g.pendingOuterBuf.Bytes(), &v); err != nil {
			return fmt.Errorf("%w: version: %v", ErrUnsupportedArtifact, err)
		}
		if v.Format != "mender" || v.Version < 3 {
			return fmt.Errorf("%w: format %q version %d", ErrUnsupportedArtifact, v.Format, v.Version)
		}
	case "manifest":
		g.manifest = append([]byte(nil), g.pendingOuterBuf.Bytes()...)
	case "manifest.sig":
		g.manifestSig = append([]byte(nil), g.pendingOuterBuf.Bytes()...)
	}
	g.pendingOuterFile = ""
	g.pendingOuterBuf.Reset()
	return nil
}

func (g *ingester) feedNested(data []byte) error {
	n := g.nested
	n.received += int64(len(data))
	if n.gz {
		n.raw.Write(data)
		if n.received < n.total {
			return nil
		}
		raw, err := gunzipAll(n.raw.Bytes())
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnsupportedArtifact, err)
		}
		n.parser = tarstream.New()
		return g.feedNestedParser(raw)
	}
	return g.feedNestedParser(data)
}

func (g *ingester) feedNestedParser(data []byte) error {
	n := g.nested
	for len(data) > 0 {
		consumed, ev, err := n.parser.Parse(data)
		data = data[consumed:]
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnsupportedArtifact, err)
		}
		switch ev.Kind {
		case tarstream.Header:
			if err := g.onNestedHeader(ev.Header); err != nil {
				return err
			}
		case tarstream.Data:
			if err := g.onNestedData(ev.Data, ev.Offset); err != nil {
				return err
			}
		case tarstream.EOF:
			if err := g.finalizeNestedCurrent(); err != nil {
				return err
			}
			if n.kind == nestedHeader {
				g.finishHeaderArchive()
			}
			g.nested = nil
			return nil
		}
	}
	return nil
}

func (g *ingester) onNestedHeader(hdr tarstream.FileHeader) error {
	if err := g.finalizeNestedCurrent(); err != nil {
		return err
	}
	n := g.nested
	n.curName = hdr.Name
	n.curSize = hdr.Size
	switch n.kind {
	case nestedHeader:
		n.metaBuf.Reset()
	case nestedData:
		n.handler = nil
		n.opened = false
		typ := g.payloadTypeForIndex(n.index)
		if typ == "" {
			return nil
		}
		h, ok := g.registry.New(typ)
		if !ok {
			g.logger.Warn().Str("type", typ).Msg("no handler registered for payload type, data discarded")
			return nil
		}
		if err := h.Open(g.payloadContext(n.index, hdr.Name, hdr.Size)); err != nil {
			return err
		}
		n.handler = h
		n.opened = true
		g.handlers[n.index] = h
	}
	return nil
}

func (g *ingester) onNestedData(data []byte, offset int64) error {
	n := g.nested
	switch n.kind {
	case nestedHeader:
		n.metaBuf.Write(data)
	case nestedData:
		if n.handler != nil && n.opened {
			return n.handler.Write(g.payloadContext(n.index, n.curName, n.curSize), data, offset)
		}
	}
	return nil
}

func (g *ingester) finalizeNestedCurrent() error {
	n := g.nested
	if n == nil || n.curName == "" {
		return nil
	}
	switch n.kind {
	case nestedHeader:
		if err := g.onHeaderArchiveFile(n.curName, n.metaBuf.Bytes()); err != nil {
			return err
		}
	case nestedData:
		if n.handler != nil && n.opened {
			if err := n.handler.Close(g.payloadContext(n.index, n.curName, n.curSize)); err != nil {
				return err
			}
		}
	}
	n.curName = ""
	return nil
}

func (g *ingester) onHeaderArchiveFile(name string, content []byte) error {
	switch {
	case name == "header-info":
		var hi headerInfoJSON
		if err := json.Unmarshal(content, &hi); err != nil {
			return fmt.Errorf("%w: header-info: %v", ErrUnsupportedArtifact, err)
		}
		g.types = make([]types.PayloadRecord, len(hi.Payloads))
		for i, p := range hi.Payloads {
			g.types[i] = types.PayloadRecord{Type: p.Type, PayloadIndex: i, RollbackSupported: true}
		}
	case strings.HasSuffix(name, "/type-info"):
		idx, ok := parsePayloadIndex(name)
		if !ok || idx >= len(g.types) {
			return nil
		}
		var ti typeInfoJSON
		if err := json.Unmarshal(content, &ti); err != nil {
			return fmt.Errorf("%w: type-info: %v", ErrUnsupportedArtifact, err)
		}
		if ti.Type != "" {
			g.types[idx].Type = ti.Type
		}
	case strings.HasSuffix(name, "/meta-data"):
		idx, ok := parsePayloadIndex(name)
		if ok {
			g.metaDataByIndex[idx] = append(json.RawMessage(nil), content...)
		}
	}
	return nil
}

func (g *ingester) finishHeaderArchive() {
	for i := range g.types {
		g.types[i].NeedsReboot = g.types[i].Type == "rootfs-image"
	}
}

func (g *ingester) payloadTypeForIndex(idx int) string {
	if idx >= 0 && idx < len(g.types) {
		return g.types[idx].Type
	}
	return ""
}

func (g *ingester) payloadContext(idx int, filename string, size int64) PayloadContext {
	return PayloadContext{
		DeploymentID: g.deploymentID,
		ArtifactName: g.artifactName,
		Type:         g.payloadTypeForIndex(idx),
		MetaData:     g.metaDataByIndex[idx],
		Filename:     filename,
		Size:         size,
	}
}

// finalizeAll calls Finalize on every handler that opened during this
// download, stopping at the first error. Called once the stream has
// completed successfully.
func (g *ingester) finalizeAll() error {
	for i := 0; i < len(g.types); i++ {
		h, ok := g.handlers[i]
		if !ok {
			continue
		}
		if err := h.Finalize(); err != nil {
			return fmt.Errorf("%w: payload %d: %v", ErrFlash, i, err)
		}
	}
	return nil
}

// abortAll calls Abort on every handler that opened during this download,
// best-effort, collecting no error since the deployment is already
// failing and the caller only needs cleanup, not a new failure reason.
func (g *ingester) abortAll() {
	for _, h := range g.handlers {
		if err := h.Abort(); err != nil {
			g.logger.Warn().Err(err).Msg("payload abort failed")
		}
	}
}
