package remote

import (
	"net"
	"os"

	"github.com/mitchellh/go-homedir"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/xerrors"
)

func authMethods(cfg Config) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if cfg.Signer != nil {
		methods = append(methods, ssh.PublicKeys(cfg.Signer))
	}

	if cfg.KeyFile != "" {
		keyPath, err := homedir.Expand(cfg.KeyFile)
		if err != nil {
			return nil, xerrors.Errorf("expanding key path %s: %w", cfg.KeyFile, err)
		}
		keyData, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, xerrors.Errorf("reading key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, xerrors.Errorf("parsing key file %s: %w", keyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	// Fall back to the agent only when nothing explicit was configured
	if len(methods) == 0 {
		if am := agentAuth(); am != nil {
			methods = append(methods, am)
		}
	}

	if len(methods) == 0 {
		return nil, xerrors.New("no usable credential (key file, signer or agent)")
	}
	return methods, nil
}

func agentAuth() ssh.AuthMethod {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil
	}
	conn, err := net.Dial("unix", socket)
	if err != nil {
		log.Debugw("ssh agent unavailable", "socket", socket, "err", err)
		return nil
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers)
}

func hostKeyCallback(cfg Config) (ssh.HostKeyCallback, error) {
	if !cfg.StrictHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	file := cfg.KnownHostsFile
	if file == "" {
		file = "~/.ssh/known_hosts"
	}
	file, err := homedir.Expand(file)
	if err != nil {
		return nil, xerrors.Errorf("expanding known_hosts path: %w", err)
	}
	cb, err := knownhosts.New(file)
	if err != nil {
		return nil, xerrors.Errorf("loading known_hosts %s: %w", file, err)
	}
	return cb, nil
}
