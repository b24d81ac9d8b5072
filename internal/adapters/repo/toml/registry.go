package toml

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/bnema/fedwatch/internal/domain"
	"github.com/bnema/fedwatch/internal/ports"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

const (
	configName         = "config"
	configType         = "toml"
	accountsPathKey    = "accounts.path"
	accountsFileMode   = 0o600
	accountsDirMode    = 0o700
	accountsConfigDir  = ".fedwatch"
	accountsConfigFile = "accounts.toml"
	tempFilePattern    = ".accounts-*.toml.tmp"
)

// Registry is the durable account store: a single TOML document, written
// atomically via temp file and rename. Registry mutations notify the
// subscribed listener so the polling orchestrator can reconcile.
type Registry struct {
	accountsPath string
	mu           *sync.RWMutex

	listenerMu sync.Mutex
	listener   ports.RegistryListener
}

var (
	lockRegistryMu sync.Mutex
	pathLockMap    = map[string]*sync.RWMutex{}
)

var _ ports.AccountRegistry = (*Registry)(nil)

func NewRegistry(cfg *viper.Viper) (*Registry, error) {
	if cfg == nil {
		cfg = viper.New()
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	defaultPath := filepath.Join(homeDir, accountsConfigDir, accountsConfigFile)

	cfg.SetConfigName(configName)
	cfg.SetConfigType(configType)
	cfg.AddConfigPath(filepath.Join(homeDir, accountsConfigDir))
	cfg.SetDefault(accountsPathKey, defaultPath)

	err = cfg.ReadInConfig()
	if err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	accountsPath := cfg.GetString(accountsPathKey)
	if accountsPath == "" {
		return nil, errors.New("accounts path is empty")
	}
	accountsPath, err = normalizeAccountsPath(accountsPath)
	if err != nil {
		return nil, err
	}

	return &Registry{accountsPath: accountsPath, mu: lockForPath(accountsPath)}, nil
}

func (r *Registry) Subscribe(listener ports.RegistryListener) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.listener = listener
}

// Save validates before writing; a partial account is rejected with a logged
// no-op so it can never be observed via LoadAll.
func (r *Registry) Save(ctx context.Context, account domain.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := account.Validate(); err != nil {
		slog.Warn("rejecting partial account", "account", account.ID, "error", err)
		return err
	}

	r.mu.Lock()
	file, err := r.readSchema()
	if err != nil {
		r.mu.Unlock()
		return err
	}
	file.applyDefaults()

	encoded := toSchema(account)
	updated := false
	for i := range file.Accounts {
		if file.Accounts[i].ID == encoded.ID {
			file.Accounts[i] = encoded
			updated = true
			break
		}
	}
	if !updated {
		file.Accounts = append(file.Accounts, encoded)
	}

	if err := r.writeSchema(file); err != nil {
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	r.notify(ctx)
	return nil
}

func (r *Registry) LoadAll(ctx context.Context) (map[domain.AccountID]domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	file, err := r.readSchema()
	if err != nil {
		return nil, err
	}
	file.applyDefaults()

	accounts := make(map[domain.AccountID]domain.Account, len(file.Accounts))
	for _, entry := range file.Accounts {
		account := fromSchema(entry)
		accounts[account.ID] = account
	}

	return accounts, nil
}

// Remove deletes the entry and reports whether it existed.
func (r *Registry) Remove(ctx context.Context, id domain.AccountID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.mu.Lock()
	file, err := r.readSchema()
	if err != nil {
		r.mu.Unlock()
		return false, err
	}
	file.applyDefaults()

	existed := false
	kept := file.Accounts[:0]
	for _, entry := range file.Accounts {
		if entry.ID == string(id) {
			existed = true
			continue
		}
		kept = append(kept, entry)
	}
	file.Accounts = kept

	if existed {
		if err := r.writeSchema(file); err != nil {
			r.mu.Unlock()
			return false, err
		}
	}
	r.mu.Unlock()

	if existed {
		r.notify(ctx)
	}
	return existed, nil
}

func (r *Registry) notify(ctx context.Context) {
	r.listenerMu.Lock()
	listener := r.listener
	r.listenerMu.Unlock()

	if listener != nil {
		listener.RegistryChanged(ctx)
	}
}

func (r *Registry) readSchema() (fileSchema, error) {
	data, err := os.ReadFile(r.accountsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fileSchema{}, nil
		}
		return fileSchema{}, fmt.Errorf("read accounts file: %w", err)
	}

	var file fileSchema
	if err := toml.Unmarshal(data, &file); err != nil {
		return fileSchema{}, fmt.Errorf("decode accounts file: %w", err)
	}
	if err := file.validateVersion(); err != nil {
		return fileSchema{}, err
	}
	file.applyDefaults()

	return file, nil
}

func normalizeAccountsPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve accounts path: %w", err)
	}

	return filepath.Clean(absPath), nil
}

func lockForPath(path string) *sync.RWMutex {
	lockRegistryMu.Lock()
	defer lockRegistryMu.Unlock()

	if mu, ok := pathLockMap[path]; ok {
		return mu
	}

	mu := &sync.RWMutex{}
	pathLockMap[path] = mu
	return mu
}

func (r *Registry) writeSchema(file fileSchema) error {
	file.applyDefaults()

	if err := os.MkdirAll(filepath.Dir(r.accountsPath), accountsDirMode); err != nil {
		return fmt.Errorf("create accounts directory: %w", err)
	}

	data, err := toml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode accounts file: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(r.accountsPath), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp accounts file: %w", err)
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp accounts file: %w", err)
	}

	if err := tempFile.Chmod(accountsFileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp accounts file: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp accounts file: %w", err)
	}

	if err := os.Rename(tempName, r.accountsPath); err != nil {
		return fmt.Errorf("replace accounts file: %w", err)
	}

	cleanup = false

	if err := os.Chmod(r.accountsPath, accountsFileMode); err != nil {
		return fmt.Errorf("chmod accounts file: %w", err)
	}

	return nil
}

func toSchema(account domain.Account) accountSchema {
	return accountSchema{
		ID:            string(account.ID),
		DisplayName:   account.DisplayName,
		APIBaseURL:    account.APIBaseURL,
		TokensRef:     account.TokensRef,
		SigningKeyRef: account.SigningKeyRef,
	}
}

func fromSchema(account accountSchema) domain.Account {
	return domain.Account{
		ID:            domain.AccountID(account.ID),
		DisplayName:   account.DisplayName,
		APIBaseURL:    account.APIBaseURL,
		TokensRef:     account.TokensRef,
		SigningKeyRef: account.SigningKeyRef,
	}
}
