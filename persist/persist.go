// Package persist moves cache contents across the process boundary: Save
// writes the successfully fetched entries of a qcache.Store to a
// datastore, and Seed loads them back into a store at startup. Seeded
// entries pass through the same key normalization as live entries fetched
// at runtime.
package persist

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	logging "github.com/ipfs/go-log/v2"

	"github.com/qres/go-qres/qcache"
	"github.com/qres/go-qres/qkey"
)

var log = logging.Logger("persist")

const dsPrefix = "/qcache"

// record is the stored form of one cache entry.
type record struct {
	Key       string    `json:"key"`
	Data      any       `json:"data"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Save writes every entry of the store that holds successfully fetched
// data to ds. Entries that have only an error, or have never resolved, are
// skipped. Individual failures do not stop the save; all are returned
// together.
func Save(ctx context.Context, store *qcache.Store, ds datastore.Datastore) error {
	var errs error
	var saved int
	for _, key := range store.Keys() {
		snap, ok := store.Get(key)
		if !ok || snap.Status != qcache.StatusSuccess {
			continue
		}
		rec := record{
			Key:       key.ID(),
			Data:      snap.Data,
			FetchedAt: snap.FetchedAt,
		}
		data, err := json.Marshal(&rec)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("cannot encode entry %s: %s", key, err))
			continue
		}
		if err = ds.Put(ctx, dsKey(key.ID()), data); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("cannot store entry %s: %w", key, err))
			continue
		}
		saved++
	}
	log.Debugw("Saved cache entries", "count", saved)
	return errs
}

// Seed loads previously saved entries from ds into the store, returning
// the number of entries seeded. Each entry keeps its saved fetch time, so
// data that went stale while persisted is refetched per the store's normal
// staleness rules rather than treated as fresh. Each stored key is decoded
// and validated before entering the store; records that do not decode are
// skipped and reported together with any datastore errors.
func Seed(ctx context.Context, store *qcache.Store, ds datastore.Datastore) (int, error) {
	results, err := ds.Query(ctx, query.Query{Prefix: dsPrefix})
	if err != nil {
		return 0, err
	}
	defer results.Close()

	var errs error
	var seeded int
	for result := range results.Next() {
		if result.Error != nil {
			errs = multierror.Append(errs, result.Error)
			continue
		}
		var rec record
		if err = json.Unmarshal(result.Entry.Value, &rec); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("cannot decode record at %s: %s", result.Entry.Key, err))
			continue
		}
		key, err := qkey.Decode(rec.Key)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("cannot decode key at %s: %s", result.Entry.Key, err))
			continue
		}
		if err = store.SetDataAt(key, rec.Data, rec.FetchedAt); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		seeded++
	}
	log.Debugw("Seeded cache entries", "count", seeded)
	return seeded, errs
}

// dsKey maps a canonical key encoding to a datastore key. The encoding is
// wrapped in base64 so that segment text cannot introduce datastore path
// separators.
func dsKey(id string) datastore.Key {
	return datastore.NewKey(dsPrefix).ChildString(base64.RawURLEncoding.EncodeToString([]byte(id)))
}
