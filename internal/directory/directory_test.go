package directory_test

import (
	"context"
	"testing"

	"flowdesk/internal/db"
	"flowdesk/internal/directory"
	"flowdesk/internal/domain"
	"flowdesk/internal/migrate"
	"flowdesk/internal/repo"
)

func TestNormalizeStripsDiacritics(t *testing.T) {
	cases := map[string]string{
		"Vânzări":          "vanzari",
		"  Recepție ":      "receptie",
		"Curier Trimis":    "curier trimis",
		"COLET NERIDICAT":  "colet neridicat",
		"Facturât":         "facturat",
		"already plain":    "already plain",
		"Ședință de sunat": "sedinta de sunat",
	}
	for in, want := range cases {
		if got := directory.Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolveRole(t *testing.T) {
	cases := map[string]directory.Role{
		"Vânzări":           directory.RoleSales,
		"Curier trimis":     directory.RoleCourierSent,
		"Curier trimis azi": directory.RoleCourierSent,
		"Avem comandă":      directory.RoleOrderConfirmed,
		"Colet neridicat":   directory.RolePackageUnclaimed,
		"Facturat":          directory.RoleInvoiced,
		"Arhivă":            directory.RoleArchive,
		"Recepție":          directory.RoleReception,
		"De sunat":          directory.RoleCallback,
		"Etapa oarecare":    directory.RoleNone,
		"":                  directory.RoleNone,
	}
	for in, want := range cases {
		if got := directory.ResolveRole(in); got != want {
			t.Errorf("ResolveRole(%q) = %q, want %q", in, got, want)
		}
	}
}

func newDirectory(t *testing.T) (directory.Directory, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	return directory.Directory{Repo: r}, r
}

func TestFindStagePrefersFirstByPosition(t *testing.T) {
	d, r := newDirectory(t)
	ctx := context.Background()
	if err := r.InsertPipeline(ctx, domain.Pipeline{ID: "p1", Name: "Vanzari", Active: true, CreatedAt: "2024-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("insert pipeline: %v", err)
	}
	// Two stages resolve to the courier-sent role; the first by position
	// wins.
	stages := []domain.Stage{
		{ID: "s1", PipelineID: "p1", Name: "Lead nou", Position: 0, Active: true},
		{ID: "s2", PipelineID: "p1", Name: "Curier trimis (vechi)", Position: 1, Active: false},
		{ID: "s3", PipelineID: "p1", Name: "Curier trimis", Position: 2, Active: true},
		{ID: "s4", PipelineID: "p1", Name: "Curier trimis manual", Position: 3, Active: true},
	}
	for _, s := range stages {
		if err := r.InsertStage(ctx, s); err != nil {
			t.Fatalf("insert stage: %v", err)
		}
	}
	got, found, err := d.FindStage(ctx, "p1", directory.RoleCourierSent)
	if err != nil || !found {
		t.Fatalf("find stage: found=%v err=%v", found, err)
	}
	// s2 matches but is inactive; s3 is the first active match.
	if got.ID != "s3" {
		t.Fatalf("found %s, want s3", got.ID)
	}

	if _, found, err = d.FindStage(ctx, "p1", directory.RoleArchive); err != nil || found {
		t.Fatalf("unexpected archive stage: found=%v err=%v", found, err)
	}
}

func TestFindPipelineByName(t *testing.T) {
	d, r := newDirectory(t)
	ctx := context.Background()
	pipelines := []domain.Pipeline{
		{ID: "p1", Name: "Vânzări", Active: true, CreatedAt: "2024-01-01T00:00:00Z"},
		{ID: "p2", Name: "Arhivă", Active: true, CreatedAt: "2024-01-01T00:00:00Z"},
		{ID: "p3", Name: "Arhiva veche", Active: false, CreatedAt: "2024-01-01T00:00:00Z"},
	}
	for _, p := range pipelines {
		if err := r.InsertPipeline(ctx, p); err != nil {
			t.Fatalf("insert pipeline: %v", err)
		}
	}
	got, found, err := d.FindPipelineByName(ctx, "arhiva")
	if err != nil || !found {
		t.Fatalf("find by name: found=%v err=%v", found, err)
	}
	if got.ID != "p2" {
		t.Fatalf("found %s, want p2", got.ID)
	}
	got, found, err = d.FindPipeline(ctx, directory.RoleSales)
	if err != nil || !found || got.ID != "p1" {
		t.Fatalf("find sales: %+v found=%v err=%v", got, found, err)
	}
}
