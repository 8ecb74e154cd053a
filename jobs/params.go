package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Params is implemented by the kind-specific parameters of a job.
type Params interface {
	// The repository the job touches.
	Repository() string
	Validate() error
}

type CommitParams struct {
	Repo    string `json:"repo"`
	Ref     string `json:"ref"`
	Source  string `json:"source"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`
}

func (p *CommitParams) Repository() string { return p.Repo }

func (p *CommitParams) Validate() error {
	if err := validateRepo(p.Repo); err != nil {
		return err
	}
	if err := validateRef(p.Ref); err != nil {
		return err
	}
	if p.Source == "" {
		return fmt.Errorf("commit source must be set")
	}
	return nil
}

// GenerateDeltaParams asks for a delta From -> To on Ref. An empty From
// requests a from-scratch delta.
type GenerateDeltaParams struct {
	Repo string `json:"repo"`
	Ref  string `json:"ref"`
	From string `json:"from,omitempty"`
	To   string `json:"to"`
}

func (p *GenerateDeltaParams) Repository() string { return p.Repo }

func (p *GenerateDeltaParams) Validate() error {
	if err := validateRepo(p.Repo); err != nil {
		return err
	}
	if err := validateRef(p.Ref); err != nil {
		return err
	}
	if p.To == "" {
		return fmt.Errorf("delta target must be set")
	}
	if p.From == p.To {
		return fmt.Errorf("delta source and target are both %q", p.To)
	}
	return nil
}

type UpdateRepoParams struct {
	Repo        string   `json:"repo"`
	Refs        []string `json:"refs"`
	CheckoutDir string   `json:"checkout_dir"`
}

func (p *UpdateRepoParams) Repository() string { return p.Repo }

func (p *UpdateRepoParams) Validate() error {
	if err := validateRepo(p.Repo); err != nil {
		return err
	}
	if len(p.Refs) == 0 {
		return fmt.Errorf("update-repo needs at least one ref")
	}
	for _, ref := range p.Refs {
		if err := validateRef(ref); err != nil {
			return err
		}
	}
	if p.CheckoutDir == "" {
		return fmt.Errorf("checkout dir must be set")
	}
	return nil
}

// PublishParams maps ref -> commit to point the ref at.
type PublishParams struct {
	Repo string            `json:"repo"`
	Refs map[string]string `json:"refs"`
}

func (p *PublishParams) Repository() string { return p.Repo }

func (p *PublishParams) Validate() error {
	if err := validateRepo(p.Repo); err != nil {
		return err
	}
	if len(p.Refs) == 0 {
		return fmt.Errorf("publish needs at least one ref")
	}
	for ref, commit := range p.Refs {
		if err := validateRef(ref); err != nil {
			return err
		}
		if commit == "" {
			return fmt.Errorf("no commit given for ref %q", ref)
		}
	}
	return nil
}

func newParams(kind Kind) (Params, error) {
	switch kind {
	case KindCommit:
		return &CommitParams{}, nil
	case KindGenerateDelta:
		return &GenerateDeltaParams{}, nil
	case KindUpdateRepo:
		return &UpdateRepoParams{}, nil
	case KindPublish:
		return &PublishParams{}, nil
	}
	return nil, fmt.Errorf("unknown job kind %q", kind)
}

// ParseParams decodes and validates raw params for kind. Any failure is a
// Broken error: the stored job can never run.
func ParseParams(kind Kind, raw json.RawMessage) (Params, error) {
	p, err := newParams(kind)
	if err != nil {
		return nil, BrokenError(err)
	}
	if len(raw) == 0 {
		return nil, BrokenError(fmt.Errorf("%s job has no params", kind))
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, BrokenError(fmt.Errorf("decoding %s params: %v", kind, err))
	}
	if err := p.Validate(); err != nil {
		return nil, BrokenError(err)
	}
	return p, nil
}

// MarshalParams encodes p after validating it.
func MarshalParams(p Params) (json.RawMessage, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

func validateRepo(repo string) error {
	if repo == "" {
		return fmt.Errorf("repo must be set")
	}
	if strings.ContainsAny(repo, "/\\") || repo == "." || repo == ".." {
		return fmt.Errorf("invalid repo name %q", repo)
	}
	return nil
}

func validateRef(ref string) error {
	if ref == "" {
		return fmt.Errorf("ref must be set")
	}
	if strings.HasPrefix(ref, "/") || strings.HasSuffix(ref, "/") || strings.Contains(ref, "..") {
		return fmt.Errorf("invalid ref %q", ref)
	}
	return nil
}
