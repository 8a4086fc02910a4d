// Package config loads the site configuration and per-recon job files.
package config

import (
	"encoding"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	logging "github.com/ipfs/go-log/v2"
	"github.com/mitchellh/go-homedir"
	"golang.org/x/xerrors"

	"github.com/franksops/autorec/importdir"
	"github.com/franksops/autorec/push"
	"github.com/franksops/autorec/remote"
	"github.com/franksops/autorec/runctx"
	"github.com/franksops/autorec/transfer"
)

var log = logging.Logger("config")

// HoldFile in the module directory restricts pushes to this host.
const HoldFile = "dcm.hold"

const (
	DefaultUser       = "autorec"
	DefaultContact    = "system administrator"
	DefaultLocalIP    = "127.0.0.1"
	DefaultExportPath = "/export/home1/sdc_image_pool/import"
)

var _ encoding.TextMarshaler = (*Duration)(nil)
var _ encoding.TextUnmarshaler = (*Duration)(nil)

// Duration is a wrapper type for time.Duration
// for decoding and encoding from/to TOML
type Duration time.Duration

// UnmarshalText implements interface for TOML decoding
func (dur *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*dur = Duration(d)
	return err
}

func (dur Duration) MarshalText() ([]byte, error) {
	d := time.Duration(dur)
	return []byte(d.String()), nil
}

// Destination is a push receiver as written in configuration.
type Destination struct {
	AETitle string `toml:"aet"`
	IP      string `toml:"ip"`
	Port    int    `toml:"port"`
}

// Push converts d to a push destination.
func (d Destination) Push() push.Destination {
	return push.Destination{AETitle: d.AETitle, IP: d.IP, Port: d.Port}
}

// Site is the per-installation configuration.
type Site struct {
	// Hosts are the reconstruction hosts, tried in order.
	Hosts          []string `toml:"hosts"`
	User           string   `toml:"user"`
	KeyFile        string   `toml:"key_file"`
	KnownHostsFile string   `toml:"known_hosts_file"`
	StrictHostKey  bool     `toml:"strict_host_key"`
	ConnectTimeout Duration `toml:"connect_timeout"`

	Contact  string `toml:"contact"`
	Compress string `toml:"compress"`

	// ModDir holds one directory per recon and the hold file.
	ModDir string `toml:"mod_dir"`
	// ExportPath is the scanner's import directory.
	ExportPath string `toml:"export_path"`

	// AETitle is our calling AE title. LocalAET names the local receiver
	// and defaults to the short hostname.
	AETitle         string   `toml:"ae_title"`
	LocalAET        string   `toml:"local_aet"`
	LocalIP         string   `toml:"local_ip"`
	LocalPort       int      `toml:"local_port"`
	PushProgram     string   `toml:"push_program"`
	SoftRetries     int      `toml:"soft_retries"`
	SoftDelay       Duration `toml:"soft_delay"`
	HardRetries     int      `toml:"hard_retries"`
	HardDelay       Duration `toml:"hard_delay"`
	MaxPushTime     Duration `toml:"max_push_time"`
	PushConcurrency int      `toml:"push_concurrency"`

	// GoodTest and TestDir drive the connection test.
	GoodTest *Destination `toml:"good_test"`
	TestDir  string       `toml:"test_dir"`

	// LocalOnly is set by DISABLE_PUSH=1 or the hold file.
	LocalOnly bool `toml:"-"`
	// Debug is read from the environment.
	Debug runctx.Debug `toml:"-"`
}

// DefaultSite returns the built-in site configuration.
func DefaultSite() Site {
	return Site{
		Hosts:           []string{"127.0.0.1"},
		User:            DefaultUser,
		ConnectTimeout:  Duration(remote.DefaultConnectTimeout),
		Contact:         DefaultContact,
		Compress:        transfer.DefaultCompress,
		ExportPath:      DefaultExportPath,
		AETitle:         push.DefaultCallingAE,
		LocalIP:         DefaultLocalIP,
		LocalPort:       push.DefaultPort,
		PushProgram:     push.DefaultProgram,
		SoftRetries:     push.DefaultSoftRetries,
		SoftDelay:       Duration(push.DefaultSoftDelay),
		HardRetries:     push.DefaultHardRetries,
		HardDelay:       Duration(push.DefaultHardDelay),
		MaxPushTime:     Duration(push.DefaultMaxPushTime),
		PushConcurrency: runctx.DefaultPushConcurrency,
	}
}

// LoadSite reads the site file at path over the defaults, then applies the
// environment. An empty path loads the defaults only. Unknown keys are
// rejected.
func LoadSite(path string) (Site, error) {
	return loadSite(path, os.Getenv)
}

func loadSite(path string, getenv func(string) string) (Site, error) {
	s := DefaultSite()
	if path != "" {
		p, err := homedir.Expand(path)
		if err != nil {
			return Site{}, xerrors.Errorf("expanding %s: %w", path, err)
		}
		md, err := toml.DecodeFile(p, &s)
		if err != nil {
			return Site{}, xerrors.Errorf("decoding site config %s: %w", p, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return Site{}, xerrors.Errorf("unknown keys in %s: %s", p, strings.Join(keys, ", "))
		}
		if s.ModDir == "" {
			s.ModDir = filepath.Dir(p)
		}
	}

	s.applyEnv(getenv)
	if err := s.expandPaths(); err != nil {
		return Site{}, err
	}
	if s.ModDir != "" {
		if _, err := os.Stat(filepath.Join(s.ModDir, HoldFile)); err == nil {
			s.LocalOnly = true
		}
	}
	if s.LocalOnly {
		log.Warnw("pushes restricted to this host", "mod_dir", s.ModDir)
	}
	return s, s.Validate()
}

func (s *Site) applyEnv(getenv func(string) string) {
	if hosts := getenv("AUTOREC_HOSTS"); hosts != "" {
		s.Hosts = strings.FieldsFunc(hosts, func(r rune) bool { return r == ',' || r == ' ' })
	}
	if getenv("DISABLE_PUSH") == "1" {
		s.LocalOnly = true
	}
	s.Debug = runctx.Debug{
		Remote: getenv("SSH_DEBUG") != "",
		Job:    getenv("RT_DEBUG") != "",
	}
}

func (s *Site) expandPaths() error {
	for _, p := range []*string{&s.KeyFile, &s.KnownHostsFile, &s.ModDir, &s.ExportPath} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return xerrors.Errorf("expanding %s: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the values that have no usable default.
func (s Site) Validate() error {
	if len(s.Hosts) == 0 {
		return xerrors.New("no reconstruction hosts configured")
	}
	if s.SoftRetries < 0 || s.HardRetries < 0 {
		return xerrors.New("retry counts cannot be negative")
	}
	if s.LocalPort <= 0 || s.LocalPort > 65535 {
		return xerrors.Errorf("invalid local port %d", s.LocalPort)
	}
	return nil
}

// Remote returns the connection template for the site's hosts.
func (s Site) Remote() remote.Config {
	return remote.Config{
		User:           s.User,
		KeyFile:        s.KeyFile,
		StrictHostKey:  s.StrictHostKey,
		KnownHostsFile: s.KnownHostsFile,
		ConnectTimeout: time.Duration(s.ConnectTimeout),
	}
}

// Imports returns the import directories of this process.
func (s Site) Imports() *importdir.Dirs {
	return importdir.New(s.ExportPath)
}

// Push returns the push configuration.
func (s Site) Push(imports *importdir.Dirs) push.Config {
	cfg := push.DefaultConfig()
	cfg.Program = s.PushProgram
	cfg.CallingAE = s.AETitle
	cfg.SoftRetries = s.SoftRetries
	cfg.SoftDelay = time.Duration(s.SoftDelay)
	cfg.HardRetries = s.HardRetries
	cfg.HardDelay = time.Duration(s.HardDelay)
	cfg.MaxPushTime = time.Duration(s.MaxPushTime)
	cfg.LocalOnly = s.LocalOnly
	cfg.Imports = imports
	return cfg
}

// LocalDestination is the receiver on this host.
func (s Site) LocalDestination() push.Destination {
	aet := s.LocalAET
	if aet == "" {
		aet = ShortHostname()
	}
	return push.Destination{AETitle: aet, IP: s.LocalIP, Port: s.LocalPort}
}

// ReconDir returns the directory holding the files of recon.
func (s Site) ReconDir(recon string) string {
	return filepath.Join(s.ModDir, recon)
}

// ShortHostname returns the first label of the hostname.
func ShortHostname() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "localhost"
	}
	short, _, _ := strings.Cut(host, ".")
	return short
}
