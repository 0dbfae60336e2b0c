package netdb

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-i2p/common/base64"

	"github.com/go-i2p/go-i2p-router/lib/common"
	"github.com/go-i2p/go-i2p-router/lib/crypto"
)

// routerInfoDir is the fixed subdirectory NetDb persists RouterInfos
// under: netDb/rX/routerInfo-<base64(H)>.dat. The hash is encoded with
// the I2P base64 alphabet (+ becomes -, / becomes ~), which is also what
// keeps the filename filesystem-safe.
const routerInfoDir = "netDb"

func (d *NetDb) routerInfoPath(h crypto.Hash) string {
	b64 := base64.EncodeToString(h.Bytes())
	shard := "r" + string(b64[0])
	return filepath.Join(d.dataDir, routerInfoDir, shard, fmt.Sprintf("routerInfo-%s.dat", b64))
}

// PersistRouterInfo writes ri's raw encoded bytes (no container) to its
// shard file, creating the shard directory if necessary. RouterInfo
// persistence is the one synchronous disk I/O allowed on an executor
// thread, expected to be infrequent.
func (d *NetDb) PersistRouterInfo(ri *common.RouterInfo) error {
	path := d.routerInfoPath(ri.Hash())
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := ri.Bytes()
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func (d *NetDb) deleteRouterInfoFile(h crypto.Hash) error {
	err := os.Remove(d.routerInfoPath(h))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// LoadFromDisk populates the in-memory router table from previously
// persisted RouterInfo files under dataDir/netDb, called once at startup.
// Malformed files are skipped and logged rather than aborting the load.
func (d *NetDb) LoadFromDisk() (int, error) {
	root := filepath.Join(d.dataDir, routerInfoDir)
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	loaded := 0
	for _, shard := range entries {
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(root, shard.Name())
		files, err := os.ReadDir(shardPath)
		if err != nil {
			d.log.WithError(err).WithField("shard", shard.Name()).Warn("failed to read netdb shard")
			continue
		}
		for _, f := range files {
			data, err := os.ReadFile(filepath.Join(shardPath, f.Name()))
			if err != nil {
				d.log.WithError(err).WithField("file", f.Name()).Warn("failed to read router info file")
				continue
			}
			ri, _, err := common.ReadRouterInfo(data)
			if err != nil {
				d.log.WithError(err).WithField("file", f.Name()).Warn("failed to decode router info file")
				continue
			}
			if err := ri.Verify(); err != nil {
				d.log.WithError(err).WithField("file", f.Name()).Warn("router info failed signature verification")
				continue
			}
			d.mu.Lock()
			d.routers[ri.Hash()] = ri
			d.mu.Unlock()
			loaded++
		}
	}
	d.log.WithField("count", loaded).Info("loaded router infos from disk")
	return loaded, nil
}

// NeedsReseed reports whether fewer than MinRequiredRouters are known,
// signaling the (out-of-scope) reseed collaborator should run.
func (d *NetDb) NeedsReseed() bool {
	return d.RouterCount() < MinRequiredRouters
}
