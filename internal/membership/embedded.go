package membership

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"go.etcd.io/etcd/server/v3/embed"
)

// EmbeddedConfig configures a single-process etcd node for tests and
// small deployments that do not want to stand up an external
// membership service. The membership service is normally an external
// dependency, but bundling an embeddable bootstrap keeps single-node
// tests and small deployments self-contained.
type EmbeddedConfig struct {
	NodeName          string
	DataDir           string
	ListenClientURLs  []string
	ListenPeerURLs    []string
	InitialCluster    string
	InitialClusterTag string
	LogLevel          string
}

type serverState int32

const (
	stateInit serverState = iota
	stateReady
	stateStopped
)

var stateNames = map[serverState]string{
	stateInit:    "init",
	stateReady:   "ready",
	stateStopped: "stopped",
}

const (
	quotaBackendBytes           = 6 << 30
	compactionRetention         = "100000"
	startDeadline time.Duration = 60 * time.Second
)

// EmbeddedServer manages the lifecycle of an in-process etcd server.
type EmbeddedServer struct {
	cfg   EmbeddedConfig
	log   logr.Logger
	etcd  *embed.Etcd
	state int32
}

// NewEmbeddedServer constructs a stopped EmbeddedServer.
func NewEmbeddedServer(cfg EmbeddedConfig, log logr.Logger) *EmbeddedServer {
	return &EmbeddedServer{cfg: cfg, log: log.WithName("membership.embedded"), state: int32(stateInit)}
}

// detectClusterState decides whether this node bootstraps a fresh
// cluster or rejoins an existing one, by inspecting the data
// directory. It panics on a directory that looks half-initialized:
// silently treating that as "new" risks a split-brain cluster.
func detectClusterState(dataDir string) string {
	memberDir := filepath.Join(dataDir, "member")
	walDir := filepath.Join(memberDir, "wal")
	snapDB := filepath.Join(memberDir, "snap", "db")

	info, err := os.Stat(memberDir)
	if err != nil {
		if os.IsNotExist(err) {
			return embed.ClusterStateFlagNew
		}
		panic(fmt.Sprintf("failed to access member directory %s: %v", memberDir, err))
	}
	if !info.IsDir() {
		panic(fmt.Sprintf("member path exists but is not a directory: %s", memberDir))
	}

	if hasFilesInDirectory(walDir) || hasNonEmptyFile(snapDB) {
		return embed.ClusterStateFlagExisting
	}

	panic(fmt.Sprintf(
		"member directory exists but contains no valid etcd data (no WAL files, no snapshot DB); "+
			"remove %s to re-bootstrap, or restore from backup", memberDir))
}

func hasFilesInDirectory(dir string) bool {
	found := false
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return filepath.SkipDir
		}
		if !d.IsDir() {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return false
	}
	return found
}

func hasNonEmptyFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Size() > 0
}

func parseURLs(raw []string) ([]url.URL, error) {
	urls := make([]url.URL, 0, len(raw))
	for _, s := range raw {
		u, err := url.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid URL %q: %w", s, err)
		}
		urls = append(urls, *u)
	}
	return urls, nil
}

func buildEtcdConfig(cfg EmbeddedConfig) (*embed.Config, error) {
	ecfg := embed.NewConfig()
	ecfg.Name = cfg.NodeName
	ecfg.Dir = cfg.DataDir
	ecfg.InitialClusterToken = cfg.InitialClusterTag
	ecfg.InitialCluster = cfg.InitialCluster
	ecfg.ClusterState = detectClusterState(cfg.DataDir)

	clientURLs, err := parseURLs(cfg.ListenClientURLs)
	if err != nil {
		return nil, fmt.Errorf("invalid client URLs: %w", err)
	}
	ecfg.ListenClientUrls = clientURLs
	ecfg.AdvertiseClientUrls = clientURLs

	peerURLs, err := parseURLs(cfg.ListenPeerURLs)
	if err != nil {
		return nil, fmt.Errorf("invalid peer URLs: %w", err)
	}
	ecfg.ListenPeerUrls = peerURLs
	ecfg.AdvertisePeerUrls = peerURLs

	ecfg.AutoCompactionMode = "revision"
	ecfg.AutoCompactionRetention = compactionRetention
	ecfg.QuotaBackendBytes = quotaBackendBytes
	ecfg.LogLevel = cfg.LogLevel
	return ecfg, nil
}

func (s *EmbeddedServer) State() string {
	return stateNames[serverState(atomic.LoadInt32(&s.state))]
}

// Start launches the embedded etcd server and blocks until it is
// ready to serve or startTimeout elapses.
func (s *EmbeddedServer) Start(ctx context.Context, startTimeout time.Duration) error {
	if atomic.LoadInt32(&s.state) != int32(stateInit) {
		s.log.Info("already running", "state", s.State())
		return nil
	}
	ecfg, err := buildEtcdConfig(s.cfg)
	if err != nil {
		return fmt.Errorf("membership: build etcd config: %w", err)
	}
	e, err := embed.StartEtcd(ecfg)
	if err != nil {
		return fmt.Errorf("membership: start embedded etcd: %w", err)
	}

	if startTimeout <= 0 {
		startTimeout = startDeadline
	}
	waitCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	select {
	case <-e.Server.ReadyNotify():
		s.etcd = e
		atomic.StoreInt32(&s.state, int32(stateReady))
		return nil
	case <-waitCtx.Done():
		e.Close()
		return waitCtx.Err()
	}
}

// Stop gracefully shuts down the embedded server.
func (s *EmbeddedServer) Stop(ctx context.Context) error {
	if atomic.LoadInt32(&s.state) != int32(stateReady) {
		return nil
	}
	if s.etcd == nil {
		atomic.StoreInt32(&s.state, int32(stateStopped))
		return fmt.Errorf("membership: inconsistent state, embedded etcd is nil")
	}
	s.etcd.Close()
	select {
	case <-s.etcd.Server.StopNotify():
		atomic.StoreInt32(&s.state, int32(stateStopped))
		return nil
	case <-ctx.Done():
		atomic.StoreInt32(&s.state, int32(stateStopped))
		return nil
	}
}

// ClientEndpoints returns the client URLs this server listens on, for
// wiring a Client at the same address. Once the server is ready it
// reports the actual bound addresses (relevant when a configured URL
// used port 0); before that it falls back to the configured URLs.
func (s *EmbeddedServer) ClientEndpoints() []string {
	if atomic.LoadInt32(&s.state) == int32(stateReady) && s.etcd != nil {
		endpoints := make([]string, 0, len(s.etcd.Clients))
		for _, l := range s.etcd.Clients {
			endpoints = append(endpoints, "http://"+l.Addr().String())
		}
		if len(endpoints) > 0 {
			return endpoints
		}
	}
	return s.cfg.ListenClientURLs
}
