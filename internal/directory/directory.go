package directory

import (
	"context"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"flowdesk/internal/domain"
	"flowdesk/internal/repo"
)

// Role is the semantic classification of a stage or pipeline, derived from
// its operator-editable name. Names are free text, so resolution is a
// normalized keyword match rather than a stored enum.
type Role string

const (
	RoleNone             Role = ""
	RoleSales            Role = "sales"
	RoleReception        Role = "reception"
	RoleCallback         Role = "callback"
	RoleCourierSent      Role = "courier_sent"
	RoleOrderConfirmed   Role = "order_confirmed"
	RolePackageUnclaimed Role = "package_unclaimed"
	RoleInvoiced         Role = "invoiced"
	RoleArchive          Role = "archive"
)

// keyword tables are matched against normalized names (lowercase, diacritics
// stripped, trimmed). Romanian board names are the common case; English
// synonyms cover renamed boards. First role whose keyword matches wins.
var roleKeywords = []struct {
	role     Role
	keywords []string
}{
	{RoleCourierSent, []string{"curier trimis", "courier sent"}},
	{RoleOrderConfirmed, []string{"avem comanda", "order confirmed"}},
	{RolePackageUnclaimed, []string{"colet neridicat", "package unclaimed", "unclaimed"}},
	{RoleCallback, []string{"callback", "revenire apel", "de sunat"}},
	{RoleInvoiced, []string{"facturat", "invoiced"}},
	{RoleArchive, []string{"arhiva", "archive"}},
	{RoleSales, []string{"vanzari", "sales"}},
	{RoleReception, []string{"receptie", "reception"}},
}

var stripDiacritics = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize lowercases, strips diacritics and trims a name for matching.
func Normalize(name string) string {
	out, _, err := transform.String(stripDiacritics, name)
	if err != nil {
		out = name
	}
	return strings.TrimSpace(strings.ToLower(out))
}

// ResolveRole classifies a pipeline or stage name. RoleNone means no
// keyword matched.
func ResolveRole(name string) Role {
	n := Normalize(name)
	if n == "" {
		return RoleNone
	}
	for _, entry := range roleKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(n, kw) {
				return entry.role
			}
		}
	}
	return RoleNone
}

// Directory resolves stages and pipelines by role.
type Directory struct {
	Repo repo.Repo
}

// FindStage returns the first active stage in the pipeline matching the
// role, ordered by position. Multiple stages may match the same role; the
// position-ordered first match is the documented behavior even though it is
// a latent ambiguity when operators duplicate names.
func (d Directory) FindStage(ctx context.Context, pipelineID string, role Role) (domain.Stage, bool, error) {
	stages, err := d.Repo.ListStages(ctx, pipelineID)
	if err != nil {
		return domain.Stage{}, false, err
	}
	for _, s := range stages {
		if !s.Active {
			continue
		}
		if ResolveRole(s.Name) == role {
			return s, true, nil
		}
	}
	return domain.Stage{}, false, nil
}

// FindPipeline returns the first active pipeline whose name matches the
// role.
func (d Directory) FindPipeline(ctx context.Context, role Role) (domain.Pipeline, bool, error) {
	pipelines, err := d.Repo.ListPipelines(ctx)
	if err != nil {
		return domain.Pipeline{}, false, err
	}
	for _, p := range pipelines {
		if !p.Active {
			continue
		}
		if ResolveRole(p.Name) == role {
			return p, true, nil
		}
	}
	return domain.Pipeline{}, false, nil
}

// FindPipelineByName matches a configured pipeline name (e.g. the archive
// pipeline) using the same normalization as roles.
func (d Directory) FindPipelineByName(ctx context.Context, name string) (domain.Pipeline, bool, error) {
	if strings.TrimSpace(name) == "" {
		return domain.Pipeline{}, false, nil
	}
	target := Normalize(name)
	pipelines, err := d.Repo.ListPipelines(ctx)
	if err != nil {
		return domain.Pipeline{}, false, err
	}
	for _, p := range pipelines {
		if !p.Active {
			continue
		}
		if strings.Contains(Normalize(p.Name), target) {
			return p, true, nil
		}
	}
	return domain.Pipeline{}, false, nil
}
