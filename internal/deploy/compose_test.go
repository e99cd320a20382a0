package deploy

import (
	"errors"
	"reflect"
	"testing"

	"github.com/darthnorse/dockmon/internal/derr"
)

func TestParseComposeAlternateForms(t *testing.T) {
	doc := []byte(`
services:
  web:
    image: nginx:1.25
    command: nginx -g "daemon off;"
    environment:
      - TZ=UTC
      - DEBUG=1
    networks:
      - frontend
    depends_on:
      - db
  db:
    image: postgres:16
    command: ["postgres", "-c", "max_connections=100"]
    environment:
      POSTGRES_DB: app
    networks:
      frontend:
        aliases:
          - database
`)
	cf, err := ParseCompose(doc)
	if err != nil {
		t.Fatalf("ParseCompose: %v", err)
	}

	web := cf.Services["web"]
	if web.Environment["TZ"] != "UTC" || web.Environment["DEBUG"] != "1" {
		t.Errorf("list-form environment = %v", web.Environment)
	}
	if len(web.Command) == 0 || web.Command[0] != "nginx" {
		t.Errorf("scalar command = %v", web.Command)
	}

	db := cf.Services["db"]
	if !reflect.DeepEqual([]string(db.Command), []string{"postgres", "-c", "max_connections=100"}) {
		t.Errorf("sequence command = %v", db.Command)
	}
	if db.Environment["POSTGRES_DB"] != "app" {
		t.Errorf("map-form environment = %v", db.Environment)
	}
	if !reflect.DeepEqual([]string(db.Networks), []string{"frontend"}) {
		t.Errorf("long-syntax networks = %v", db.Networks)
	}
}

func TestParseComposeRejectsBuild(t *testing.T) {
	doc := []byte(`
services:
  app:
    build: .
    image: app:dev
`)
	_, err := ParseCompose(doc)
	if err == nil {
		t.Fatal("expected build rejection")
	}
	if !errors.Is(err, derr.ErrValidation) {
		t.Errorf("error kind = %v, want validation", err)
	}
}

func TestParseComposeRejectsMissingImage(t *testing.T) {
	doc := []byte(`
services:
  app:
    restart: always
`)
	if _, err := ParseCompose(doc); err == nil {
		t.Fatal("expected missing-image rejection")
	}
}

func TestParseComposeRejectsEmptyDocument(t *testing.T) {
	if _, err := ParseCompose([]byte("version: '3'")); err == nil {
		t.Fatal("expected rejection of document without services")
	}
}

func TestSelectServicesProfiles(t *testing.T) {
	doc := []byte(`
services:
  web:
    image: nginx:1.25
  debug:
    image: busybox:1.36
    profiles: ["debug"]
  tools:
    image: alpine:3.20
    profiles: ["debug", "tools"]
`)
	cf, err := ParseCompose(doc)
	if err != nil {
		t.Fatalf("ParseCompose: %v", err)
	}

	def := selectServices(cf, nil)
	if len(def) != 1 || def["web"] == nil {
		t.Errorf("default selection = %v", names(def))
	}

	dbg := selectServices(cf, []string{"debug"})
	if len(dbg) != 3 {
		t.Errorf("debug selection = %v", names(dbg))
	}

	tools := selectServices(cf, []string{"tools"})
	if len(tools) != 2 || tools["debug"] != nil {
		t.Errorf("tools selection = %v", names(tools))
	}
}

func names(m map[string]*Service) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
