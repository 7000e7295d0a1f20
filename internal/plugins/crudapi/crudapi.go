// Package crudapi implements the CRUD API simulator (design doc Section
// 4.14): a CrudApiDefinition's actions are backed by a single SQLite table,
// opened and queried the same way the teacher's internal/audit/index.go
// opens its entries index (database/sql + glebarez/go-sqlite, WAL mode,
// schema created with CREATE TABLE IF NOT EXISTS on open). Each action's
// url pattern is matched against the request path (not the absolute URL),
// per spec.md Section 4.13 step 2; BaseURL stays descriptive metadata
// (which upstream API this definition simulates) rather than a literal
// prefix joined into each action pattern — see design doc for why.
package crudapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	_ "github.com/glebarez/go-sqlite"

	"github.com/nivlark/devproxy/internal/configstore"
	"github.com/nivlark/devproxy/internal/events"
	"github.com/nivlark/devproxy/internal/pluginhost"
	"github.com/nivlark/devproxy/internal/session"
	"github.com/nivlark/devproxy/internal/watch"
)

// Name is the plugin's registered name.
const Name = "crud-api"

// record is one row of the simulated table.
type record struct {
	ID   string
	Body string // raw JSON
}

// Plugin is the CRUD API simulator.
type Plugin struct {
	def         configstore.CrudApiDefinition
	urlsToWatch *watch.Matcher
	actions     []compiledAction
	db          *sql.DB
}

type compiledAction struct {
	def  configstore.CrudActionDef
	glob interface{ Match(string) bool }
}

// New opens (or creates) the SQLite-backed table for def and seeds it from
// def.DataFile if present.
func New(desc pluginhost.Descriptor, def configstore.CrudApiDefinition, dbPath string) (*Plugin, error) {
	matcher, err := watch.NewMatcher(desc.URLsToWatch)
	if err != nil {
		return nil, fmt.Errorf("crudapi: compiling urlsToWatch: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("crudapi: opening sqlite store %s: %w", dbPath, err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS records (id TEXT PRIMARY KEY, body TEXT NOT NULL)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("crudapi: creating schema: %w", err)
	}

	actions := make([]compiledAction, 0, len(def.Actions))
	for _, a := range def.Actions {
		g, err := watch.CompileGlob(a.URL)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("crudapi: compiling action url %q: %w", a.URL, err)
		}
		actions = append(actions, compiledAction{def: a, glob: g})
	}

	p := &Plugin{def: def, urlsToWatch: matcher, actions: actions, db: db}

	if def.DataFile != "" {
		if err := p.seed(def.DataFile); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func (p *Plugin) seed(dataFile string) error {
	data, err := os.ReadFile(dataFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("crudapi: reading dataFile %s: %w", dataFile, err)
	}

	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil {
		return fmt.Errorf("crudapi: parsing dataFile %s: %w", dataFile, err)
	}

	for _, row := range rows {
		id, _ := row["id"].(string)
		if id == "" {
			continue
		}
		body, err := json.Marshal(row)
		if err != nil {
			continue
		}
		if _, err := p.db.Exec(`INSERT OR REPLACE INTO records (id, body) VALUES (?, ?)`, id, string(body)); err != nil {
			return fmt.Errorf("crudapi: seeding record %s: %w", id, err)
		}
	}
	return nil
}

// Register subscribes the simulator to BeforeRequest.
func (p *Plugin) Register(bus *events.Bus) {
	bus.Subscribe(events.BeforeRequest, Name, p.handleBeforeRequest)
}

func (p *Plugin) handleBeforeRequest(ctx context.Context, rawArgs any) error {
	args, ok := rawArgs.(*events.ProxyRequestArgs)
	if !ok {
		return fmt.Errorf("crudapi: unexpected args type %T", rawArgs)
	}
	sess := args.Session
	if !pluginhost.ShouldExecute(sess, p.urlsToWatch) {
		return nil
	}

	for _, a := range p.actions {
		if a.def.EffectiveMethod() != sess.Request.Method {
			continue
		}
		if !a.glob.Match(watch.RequestPath(sess.Request.URL)) {
			continue
		}
		// Auth: Entra is recognized as a bearer-token-present marker only —
		// full token validation is out of scope (design doc Section 4.14).
		if a.def.Auth == configstore.CrudAuthEntra && sess.Request.Headers.Get("Authorization") == "" {
			sess.GenericResponse([]byte(`{"error":"missing bearer token"}`), http.StatusUnauthorized, nil)
			return nil
		}

		p.perform(sess, watch.RequestPath(sess.Request.URL), a.def)
		return nil
	}

	return nil
}

func (p *Plugin) perform(sess *session.Session, path string, a configstore.CrudActionDef) {
	id := idFromURL(path)

	switch a.Action {
	case configstore.CrudGetAll:
		p.getAll(sess)
	case configstore.CrudGetMany:
		p.getAll(sess)
	case configstore.CrudGetOne:
		p.getOne(sess, id)
	case configstore.CrudCreate:
		p.create(sess)
	case configstore.CrudUpdate, configstore.CrudMerge:
		p.update(sess, id)
	case configstore.CrudDelete:
		p.delete(sess, id)
	default:
		sess.GenericResponse([]byte(`{"error":"unsupported action"}`), http.StatusNotImplemented, nil)
	}
}

func (p *Plugin) getAll(sess *session.Session) {
	rows, err := p.db.Query(`SELECT id, body FROM records`)
	if err != nil {
		sess.GenericResponse([]byte(err.Error()), http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	var bodies []json.RawMessage
	for rows.Next() {
		var r record
		if err := rows.Scan(&r.ID, &r.Body); err != nil {
			continue
		}
		bodies = append(bodies, json.RawMessage(r.Body))
	}

	out, _ := json.Marshal(map[string]any{"value": bodies})
	sess.GenericResponse(out, http.StatusOK, jsonHeaders())
}

func (p *Plugin) getOne(sess *session.Session, id string) {
	var body string
	err := p.db.QueryRow(`SELECT body FROM records WHERE id = ?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		sess.GenericResponse([]byte(`{"error":"not found"}`), http.StatusNotFound, jsonHeaders())
		return
	}
	if err != nil {
		sess.GenericResponse([]byte(err.Error()), http.StatusInternalServerError, nil)
		return
	}
	sess.GenericResponse([]byte(body), http.StatusOK, jsonHeaders())
}

func (p *Plugin) create(sess *session.Session) {
	var parsed map[string]any
	if err := json.Unmarshal(sess.Request.Body(), &parsed); err != nil {
		sess.GenericResponse([]byte(`{"error":"invalid body"}`), http.StatusBadRequest, jsonHeaders())
		return
	}
	id, _ := parsed["id"].(string)
	if id == "" {
		id = fmt.Sprintf("rec-%d", sess.ID)
		parsed["id"] = id
	}
	body, _ := json.Marshal(parsed)

	if _, err := p.db.Exec(`INSERT OR REPLACE INTO records (id, body) VALUES (?, ?)`, id, string(body)); err != nil {
		sess.GenericResponse([]byte(err.Error()), http.StatusInternalServerError, nil)
		return
	}
	sess.GenericResponse(body, http.StatusCreated, jsonHeaders())
}

func (p *Plugin) update(sess *session.Session, id string) {
	var existing string
	err := p.db.QueryRow(`SELECT body FROM records WHERE id = ?`, id).Scan(&existing)
	if err == sql.ErrNoRows {
		sess.GenericResponse([]byte(`{"error":"not found"}`), http.StatusNotFound, jsonHeaders())
		return
	}
	if err != nil {
		sess.GenericResponse([]byte(err.Error()), http.StatusInternalServerError, nil)
		return
	}

	var merged map[string]any
	json.Unmarshal([]byte(existing), &merged)
	var patch map[string]any
	if err := json.Unmarshal(sess.Request.Body(), &patch); err == nil {
		for k, v := range patch {
			merged[k] = v
		}
	}
	merged["id"] = id
	body, _ := json.Marshal(merged)

	if _, err := p.db.Exec(`UPDATE records SET body = ? WHERE id = ?`, string(body), id); err != nil {
		sess.GenericResponse([]byte(err.Error()), http.StatusInternalServerError, nil)
		return
	}
	sess.GenericResponse(body, http.StatusOK, jsonHeaders())
}

func (p *Plugin) delete(sess *session.Session, id string) {
	res, err := p.db.Exec(`DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		sess.GenericResponse([]byte(err.Error()), http.StatusInternalServerError, nil)
		return
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		sess.GenericResponse([]byte(`{"error":"not found"}`), http.StatusNotFound, jsonHeaders())
		return
	}
	sess.GenericResponse(nil, http.StatusNoContent, nil)
}

func jsonHeaders() http.Header {
	return http.Header{"Content-Type": []string{"application/json"}}
}

// idFromURL extracts the last path segment as the record id, e.g.
// "/v1.0/widgets/42" -> "42".
func idFromURL(rawURL string) string {
	trimmed := strings.TrimRight(rawURL, "/")
	if i := strings.LastIndex(trimmed, "?"); i >= 0 {
		trimmed = trimmed[:i]
	}
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return trimmed
	}
	return trimmed[idx+1:]
}

// Close releases the underlying SQLite handle.
func (p *Plugin) Close() error { return p.db.Close() }

// Factory adapts New to pluginhost.Factory.
func Factory(def configstore.CrudApiDefinition, dbPath string) pluginhost.Factory {
	return func(desc pluginhost.Descriptor) (pluginhost.Plugin, error) {
		return New(desc, def, dbPath)
	}
}
