package config

import (
	"bytes"
	"os"
	"text/template"

	"github.com/BurntSushi/toml"
	"golang.org/x/xerrors"

	"github.com/franksops/autorec/job"
	"github.com/franksops/autorec/push"
)

// JobFile is the name of the job file inside a recon directory.
const JobFile = "job.toml"

// ErroredJobsDir receives runs whose job file could not be loaded.
const ErroredJobsDir = "/incoming/errored/"

// File is one input of a job.
type File struct {
	// Local is a path or an all-digit open file descriptor.
	Local  string `toml:"local"`
	Remote string `toml:"remote"`
	Copy   bool   `toml:"copy"`
	Delete bool   `toml:"delete"`
}

// Job describes one reconstruction run.
type Job struct {
	// JobsDir is the remote directory the exam directory is created in.
	JobsDir string `toml:"jobs_dir"`
	// Token names the job to start; empty means send only.
	Token string `toml:"token"`
	Files []File `toml:"files"`

	GetMip  bool   `toml:"get_mip"`
	GetImg  bool   `toml:"get_img"`
	MipCopy string `toml:"mip_copy"`
	ImgCopy string `toml:"img_copy"`

	PushDests  []Destination `toml:"push_dests"`
	PushImport bool          `toml:"push_import"`
	Import     bool          `toml:"import"`
	// Isolate waits for results in the "latest" subdirectory.
	Isolate bool `toml:"isolate"`

	// Hosts overrides the site's hosts for this recon.
	Hosts []string `toml:"hosts"`
}

// JobVars are available to job files as template fields, for example
// {{.PFile}}.
type JobVars struct {
	Recon    string
	PFile    int
	Exam     int
	Series   int
	ExamDir  string
	WorkDir  string
	Hostname string
}

// DefaultJob returns the option defaults of a job.
func DefaultJob() Job {
	return Job{
		GetImg:     true,
		PushImport: true,
		Import:     true,
	}
}

// LoadJob renders the job file at path with vars and decodes it. On a
// decode error the fields decoded so far are returned with the error.
func LoadJob(path string, vars JobVars) (Job, error) {
	j := DefaultJob()
	raw, err := os.ReadFile(path)
	if err != nil {
		return j, xerrors.Errorf("reading job file: %w", err)
	}
	tmpl, err := template.New(path).Option("missingkey=error").Parse(string(raw))
	if err != nil {
		return j, xerrors.Errorf("parsing job file %s: %w", path, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return j, xerrors.Errorf("rendering job file %s: %w", path, err)
	}

	md, err := toml.NewDecoder(&buf).Decode(&j)
	if err != nil {
		return j, xerrors.Errorf("decoding job file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return j, xerrors.Errorf("unknown key %q in %s", undecoded[0].String(), path)
	}
	return j, j.Validate()
}

// Validate checks the required fields.
func (j Job) Validate() error {
	if j.JobsDir == "" {
		return xerrors.New("jobs_dir is not set")
	}
	if len(j.Files) == 0 {
		return xerrors.New("no send files were defined")
	}
	return j.Descriptors().Validate()
}

// Descriptors returns the inputs keyed by local identity.
func (j Job) Descriptors() job.Descriptors {
	d := make(job.Descriptors, len(j.Files))
	for _, f := range j.Files {
		d[f.Local] = job.Descriptor{RemoteName: f.Remote, Copy: f.Copy, Delete: f.Delete}
	}
	return d
}

// PushTarget returns the remote push destinations, or nil when there are
// none.
func (j Job) PushTarget() push.Target {
	if len(j.PushDests) == 0 {
		return nil
	}
	g := make(push.Group, len(j.PushDests))
	for i, d := range j.PushDests {
		g[i] = d.Push()
	}
	return g
}
