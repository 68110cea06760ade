package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// ErrMissingCredentials means the Slack client id or secret could not be found.
var ErrMissingCredentials = errors.New("missing slack client credentials")

// Secret data keys read by SecretResolver.
const (
	SecretKeyClientID       = "client-id"
	SecretKeyClientSecret   = "client-secret"
	SecretKeyServiceBaseURL = "service-base-url"
)

// Credentials identify the broker's Slack app.
type Credentials struct {
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	ServiceBaseURL string `yaml:"service_base_url"`
}

func (c Credentials) validate() error {
	var missing []string
	if c.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if c.ClientSecret == "" {
		missing = append(missing, "client_secret")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrMissingCredentials, missing)
	}
	return nil
}

// Resolver produces the Slack app credentials.
type Resolver interface {
	Resolve(ctx context.Context) (Credentials, error)
}

// EnvResolver reads credentials from the loaded Config.
type EnvResolver struct {
	cfg *Config
}

func NewEnvResolver(cfg *Config) *EnvResolver {
	return &EnvResolver{cfg: cfg}
}

func (r *EnvResolver) Resolve(context.Context) (Credentials, error) {
	creds := Credentials{
		ClientID:       r.cfg.SlackClientID,
		ClientSecret:   r.cfg.SlackClientSecret,
		ServiceBaseURL: r.cfg.ServiceBaseURL,
	}
	return creds, creds.validate()
}

// FileResolver reads credentials from a YAML file.
type FileResolver struct {
	path string
}

func NewFileResolver(path string) *FileResolver {
	return &FileResolver{path: path}
}

func (r *FileResolver) Resolve(context.Context) (Credentials, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return Credentials{}, fmt.Errorf("reading credentials file: %w", err)
	}
	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("parsing credentials file %s: %w", r.path, err)
	}
	return creds, creds.validate()
}

// SecretResolver reads credentials from a Kubernetes Secret.
type SecretResolver struct {
	clientset kubernetes.Interface
	namespace string
	name      string
}

// NewSecretResolver builds a clientset from kubeconfig or in-cluster config.
func NewSecretResolver(kubeconfigPath, namespace, name string) (*SecretResolver, error) {
	var restConfig *rest.Config
	var err error

	if kubeconfigPath != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("building k8s config: %w", err)
	}

	cs, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("creating k8s clientset: %w", err)
	}
	return NewSecretResolverFromInterface(cs, namespace, name), nil
}

// NewSecretResolverFromInterface creates a resolver from an existing clientset (for testing).
func NewSecretResolverFromInterface(cs kubernetes.Interface, namespace, name string) *SecretResolver {
	return &SecretResolver{clientset: cs, namespace: namespace, name: name}
}

func (r *SecretResolver) Resolve(ctx context.Context) (Credentials, error) {
	secret, err := r.clientset.CoreV1().Secrets(r.namespace).Get(ctx, r.name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return Credentials{}, fmt.Errorf("%w: secret %s/%s not found", ErrMissingCredentials, r.namespace, r.name)
		}
		return Credentials{}, fmt.Errorf("reading secret %s/%s: %w", r.namespace, r.name, err)
	}

	value := func(key string) string {
		if v, ok := secret.Data[key]; ok {
			return string(v)
		}
		return secret.StringData[key]
	}
	creds := Credentials{
		ClientID:       value(SecretKeyClientID),
		ClientSecret:   value(SecretKeyClientSecret),
		ServiceBaseURL: value(SecretKeyServiceBaseURL),
	}
	return creds, creds.validate()
}

// CachingResolver memoizes the first successful resolution.
type CachingResolver struct {
	next   Resolver
	logger zerolog.Logger

	mu     sync.Mutex
	cached *Credentials
}

func NewCachingResolver(next Resolver, logger zerolog.Logger) *CachingResolver {
	return &CachingResolver{next: next, logger: logger.With().Str("component", "config").Logger()}
}

func (r *CachingResolver) Resolve(ctx context.Context) (Credentials, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached != nil {
		return *r.cached, nil
	}
	creds, err := r.next.Resolve(ctx)
	if err != nil {
		return Credentials{}, err
	}
	r.cached = &creds
	r.logger.Info().
		Str("client_id", redact(creds.ClientID)).
		Str("service_base_url", creds.ServiceBaseURL).
		Msg("slack credentials resolved")
	return creds, nil
}

// Refresh drops the cached credentials so the next Resolve reads the source again.
func (r *CachingResolver) Refresh() {
	r.mu.Lock()
	r.cached = nil
	r.mu.Unlock()
}

// NewResolver selects the credential source named by CREDENTIALS_SOURCE,
// wrapped in a CachingResolver.
func NewResolver(cfg *Config, logger zerolog.Logger) (*CachingResolver, error) {
	var src Resolver
	switch cfg.CredentialsSource {
	case SourceEnv, "":
		src = NewEnvResolver(cfg)
	case SourceFile:
		src = NewFileResolver(cfg.CredentialsFile)
	case SourceKubernetes:
		sr, err := NewSecretResolver(cfg.KubeconfigPath, cfg.CredentialsSecretNamespace, cfg.CredentialsSecretName)
		if err != nil {
			return nil, err
		}
		src = sr
	default:
		return nil, fmt.Errorf("unknown credentials source %q", cfg.CredentialsSource)
	}
	return NewCachingResolver(src, logger), nil
}

func redact(s string) string {
	if len(s) <= 8 {
		return s + "..."
	}
	return s[:8] + "..."
}
