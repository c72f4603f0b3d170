package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"roadready/internal/config"
	"roadready/internal/db"
	"roadready/internal/engine"
	"roadready/internal/migrate"
)

// EnvFile holds local secrets written by rr init.
const EnvFile = ".env"

// JWTSecretKey is the environment variable that signs admin bearer tokens.
const JWTSecretKey = "ROADREADY_JWT_SECRET"

// LoadConfig reads configPath when set, otherwise the workspace roadready.yml
// or the defaults when that file is missing.
func LoadConfig(workspace, configPath string) (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.FromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("config %s: %w", configPath, err)
		}
		return cfg, nil
	}
	return config.LoadOrDefault(workspace)
}

// Open prepares the workspace database and returns an engine over it.
// An empty configPath means the workspace config. The caller closes the
// returned connection.
func Open(ctx context.Context, workspace, configPath string) (engine.Engine, *sql.DB, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return engine.Engine{}, nil, err
	}
	cfg, err := LoadConfig(workspace, configPath)
	if err != nil {
		return engine.Engine{}, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("migrate: %w", err)
	}
	return engine.New(conn, cfg), conn, nil
}

type InitResult struct {
	ConfigPath    string   `json:"config_path"`
	ConfigWritten bool     `json:"config_written"`
	DBPath        string   `json:"db_path"`
	Migrations    []string `json:"migrations"`
	SecretWritten bool     `json:"secret_written"`
}

type InitOptions struct {
	PortalName string
	// Force overwrites an existing roadready.yml.
	Force bool
	// WriteSecret stores a generated JWT secret in the workspace .env when none is set.
	WriteSecret bool
}

// Init writes the default config and brings the database schema up to date.
func Init(ctx context.Context, workspace string, opts InitOptions) (InitResult, error) {
	res := InitResult{ConfigPath: config.Path(workspace), DBPath: db.Path(workspace), Migrations: []string{}}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return res, err
	}
	if _, err := os.Stat(res.ConfigPath); os.IsNotExist(err) || opts.Force {
		if err := os.WriteFile(res.ConfigPath, []byte(config.GenerateDefault(opts.PortalName)), 0o644); err != nil {
			return res, err
		}
		res.ConfigWritten = true
	} else if err != nil {
		return res, err
	}
	if _, err := config.Load(workspace); err != nil {
		return res, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return res, err
	}
	defer conn.Close()
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		return res, fmt.Errorf("migrate: %w", err)
	}
	res.Migrations = append(res.Migrations, applied...)
	if opts.WriteSecret {
		envPath := filepath.Join(workspace, EnvFile)
		existing, err := EnvValue(envPath, JWTSecretKey)
		if err != nil {
			return res, err
		}
		if existing == "" {
			secret, err := newSecret()
			if err != nil {
				return res, err
			}
			if err := SetEnvValue(envPath, JWTSecretKey, secret); err != nil {
				return res, err
			}
			res.SecretWritten = true
		}
	}
	return res, nil
}

// JWTSecret returns ROADREADY_JWT_SECRET from the environment, then from the workspace .env.
func JWTSecret(workspace string) (string, error) {
	if v := strings.TrimSpace(os.Getenv(JWTSecretKey)); v != "" {
		return v, nil
	}
	return EnvValue(filepath.Join(workspace, EnvFile), JWTSecretKey)
}

func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// EnvValue reads key from a KEY=VALUE file. A missing file yields "".
func EnvValue(path, key string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if v, ok := strings.CutPrefix(line, key+"="); ok {
			return strings.Trim(strings.TrimSpace(v), `"'`), nil
		}
	}
	return "", scanner.Err()
}

// SetEnvValue replaces or appends key in a KEY=VALUE file.
func SetEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o600)
}
