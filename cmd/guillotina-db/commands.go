package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	vm "github.com/VictoriaMetrics/metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/urfave/cli/v2"

	"github.com/plone/guillotina-sub001"
	"github.com/plone/guillotina-sub001/cache"
	"github.com/plone/guillotina-sub001/objects"
	"github.com/plone/guillotina-sub001/redis"
	"github.com/plone/guillotina-sub001/transaction"
)

const (
	rootType       = "Container"
	vacuumLockName = "guillotina-vacuum"
	vacuumLockTTL  = 30 * time.Minute
)

func cacheRegistry() *guillotina.CacheRegistry {
	reg := guillotina.NewCacheRegistry()
	cache.Register(reg)
	redis.Register(reg)
	return reg
}

// session is an initialized storage with a manager over it.
type session struct {
	cfg     *guillotina.Config
	storage guillotina.Storage
	manager *transaction.Manager
	caches  *guillotina.CacheRegistry
}

func openSession(c *cli.Context) (*session, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	st, err := openStorage(c.Context, cfg)
	if err != nil {
		return nil, err
	}
	caches := cacheRegistry()
	m, err := transaction.NewManager(st, cfg, transaction.WithCacheRegistry(caches))
	if err != nil {
		st.Finalize(c.Context)
		caches.Close()
		return nil, err
	}
	return &session{cfg: cfg, storage: st, manager: m, caches: caches}, nil
}

func (s *session) close(ctx context.Context) error {
	var errs error
	if err := s.manager.Close(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := s.storage.Finalize(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := s.caches.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs
}

// initCommand creates the schema (done by Initialize) and the root container.
func initCommand(c *cli.Context) error {
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.close(c.Context)

	created := false
	err = s.manager.RunInTransaction(c.Context, func(ctx context.Context, txn *transaction.Transaction) error {
		created = false
		_, err := txn.Get(ctx, guillotina.RootOID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, guillotina.ErrNotFound) {
			return err
		}
		root := objects.NewResource(rootType, "", nil)
		root.SetOID(guillotina.RootOID)
		created = true
		return txn.Register(root)
	})
	if err != nil {
		return err
	}
	slog.Info("database initialized", "storage", s.cfg.Storage.Type, "root_created", created)
	fmt.Fprintf(c.App.Writer, "initialized %s storage (root created: %t)\n", s.cfg.Storage.Type, created)
	return nil
}

// vacuumCommand purges trash. With a redis cache the run is guarded by a lock so
// only one process vacuums at a time.
func vacuumCommand(c *cli.Context) error {
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.close(c.Context)

	l2, err := s.caches.Get(&s.cfg.Cache)
	if err != nil {
		return err
	}
	if lp, ok := l2.(redis.LockProvider); ok {
		locker := lp.Locker()
		lk, err := takeLock(c, locker)
		if err != nil {
			return err
		}
		defer func() {
			if err := locker.Unlock(context.WithoutCancel(c.Context), lk); err != nil {
				slog.Warn("releasing vacuum lock failed", "error", err)
			}
		}()
	}

	start := time.Now()
	before, err := s.storage.TotalObjects(c.Context)
	if err != nil {
		return err
	}
	if err := s.storage.Vacuum(c.Context); err != nil {
		return err
	}
	// Descendants of trashed objects stay loadable until vacuum, so they may have been
	// cached after their ancestor's delete was committed.
	if oc := s.manager.Cache(); oc != nil {
		if err := oc.Purge(c.Context); err != nil {
			slog.Warn("purging object cache after vacuum failed", "error", err)
		}
	}
	after, err := s.storage.TotalObjects(c.Context)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "vacuum done in %s: %d objects before, %d after\n", time.Since(start).Round(time.Millisecond), before, after)
	return nil
}

// takeLock acquires the vacuum lock. With --wait it polls with jittered sleeps until
// the lock frees up or the context ends.
func takeLock(c *cli.Context, locker *redis.Locker) (*redis.LockKey, error) {
	for {
		lk, err := locker.Lock(c.Context, vacuumLockName, c.Duration("lock-ttl"))
		if err != nil {
			return nil, fmt.Errorf("taking vacuum lock: %w", err)
		}
		if lk.IsLockOwner {
			return lk, nil
		}
		if !c.Bool("wait") {
			return nil, errors.New("another vacuum is running")
		}
		slog.Info("vacuum lock busy, waiting")
		guillotina.RandomSleepWithUnit(c.Context, time.Second)
		if err := c.Context.Err(); err != nil {
			return nil, err
		}
	}
}

// statsCommand prints counts and tid positions, optionally in Prometheus format.
func statsCommand(c *cli.Context) error {
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.close(c.Context)
	ctx := c.Context

	stats := map[string]uint64{}
	total, err := s.storage.TotalObjects(ctx)
	if err != nil {
		return err
	}
	stats["objects"] = uint64(total)
	if stats["last_tid"], err = s.storage.LastTID(ctx); err != nil {
		return err
	}
	if stats["current_tid"], err = s.storage.CurrentTID(ctx); err != nil {
		return err
	}
	types := c.StringSlice("type")
	perType := make(map[string]uint64, len(types))
	for _, typeName := range types {
		n, err := s.storage.TotalResourcesOfType(ctx, typeName)
		if err != nil {
			return err
		}
		perType[typeName] = uint64(n)
	}

	if c.Bool("prometheus") {
		set := vm.NewSet()
		set.NewCounter("guillotina_objects").Set(stats["objects"])
		set.NewCounter("guillotina_last_tid").Set(stats["last_tid"])
		set.NewCounter("guillotina_current_tid").Set(stats["current_tid"])
		for typeName, n := range perType {
			set.NewCounter(fmt.Sprintf(`guillotina_resources{type=%q}`, typeName)).Set(n)
		}
		set.WritePrometheus(c.App.Writer)
		return nil
	}

	fmt.Fprintf(c.App.Writer, "storage:     %s\n", s.cfg.Storage.Type)
	fmt.Fprintf(c.App.Writer, "objects:     %d\n", stats["objects"])
	fmt.Fprintf(c.App.Writer, "last tid:    %d\n", stats["last_tid"])
	fmt.Fprintf(c.App.Writer, "current tid: %d\n", stats["current_tid"])
	sort.Strings(types)
	for _, typeName := range types {
		fmt.Fprintf(c.App.Writer, "type %s: %d\n", typeName, perType[typeName])
	}
	return nil
}

// checkCommand walks the tree breadth first in a read-only transaction and decodes
// every child and annotation. Decoding failures are collected, not fatal.
func checkCommand(c *cli.Context) error {
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.close(c.Context)
	ctx := c.Context
	pageSize := max(c.Int("page-size"), 1)

	txn, err := s.manager.Begin(ctx, transaction.ReadOnly())
	if err != nil {
		return err
	}
	defer s.manager.Abort(ctx)

	root, err := txn.Get(ctx, guillotina.RootOID)
	if err != nil {
		return fmt.Errorf("loading root: %w", err)
	}
	var problems error
	visited, annotations := 1, 0
	queue := []guillotina.Object{root}
	for len(queue) > 0 {
		obj := queue[0]
		queue = queue[1:]

		keys, err := txn.GetAnnotationKeys(ctx, obj)
		if err != nil {
			problems = multierror.Append(problems, fmt.Errorf("%s annotations: %w", obj.OID(), err))
		}
		for _, key := range keys {
			if _, err := txn.GetAnnotation(ctx, obj, key); err != nil {
				problems = multierror.Append(problems, fmt.Errorf("%s@%s: %w", obj.OID(), key, err))
				continue
			}
			annotations++
		}

		err = txn.Items(ctx, obj, pageSize, func(child guillotina.Object) error {
			visited++
			queue = append(queue, child)
			return nil
		})
		if err != nil {
			problems = multierror.Append(problems, fmt.Errorf("%s children: %w", obj.OID(), err))
		}
	}
	slog.Info("check finished", "objects", visited, "annotations", annotations)
	fmt.Fprintf(c.App.Writer, "checked %d objects and %d annotations\n", visited, annotations)
	return problems
}
