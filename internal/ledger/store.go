package ledger

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/hpcore/hpcore/internal/buffer"
	"github.com/hpcore/hpcore/internal/corerr"
	"github.com/hpcore/hpcore/pkg/hash"
)

// inputIndexKey builds the pebble key an input hash is indexed under: the
// raw shard it lives in, so GetUserInputByHash doesn't have to open and
// scan every raw shard database in turn (spec §4.D "input lookup by hash").
func inputIndexKey(h hash.H32) []byte {
	return append([]byte("in:"), h.Bytes()...)
}

const primarySchema = `
CREATE TABLE IF NOT EXISTS ledger (
	seq_no INTEGER PRIMARY KEY,
	time INTEGER NOT NULL,
	ledger_hash BLOB NOT NULL,
	prev_ledger_hash BLOB NOT NULL,
	data_hash BLOB NOT NULL,
	state_hash BLOB NOT NULL,
	config_hash BLOB NOT NULL,
	nonce BLOB NOT NULL,
	user_hash BLOB NOT NULL,
	input_hash BLOB NOT NULL,
	output_hash BLOB NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_time ON ledger(time);
CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_hash ON ledger(ledger_hash);
`

const rawSchema = `
CREATE TABLE IF NOT EXISTS users (
	ledger_seq_no INTEGER NOT NULL,
	pubkey BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS inputs (
	ledger_seq_no INTEGER NOT NULL,
	pubkey BLOB NOT NULL,
	hash BLOB NOT NULL,
	nonce INTEGER NOT NULL,
	blob_offset INTEGER NOT NULL,
	blob_size INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS outputs (
	ledger_seq_no INTEGER NOT NULL,
	pubkey BLOB NOT NULL,
	hash BLOB NOT NULL,
	blob_offset INTEGER NOT NULL,
	blob_count INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_inputs_seq ON inputs(ledger_seq_no);
CREATE INDEX IF NOT EXISTS idx_inputs_hash ON inputs(hash);
CREATE INDEX IF NOT EXISTS idx_inputs_seq_pk ON inputs(ledger_seq_no, pubkey);
CREATE INDEX IF NOT EXISTS idx_outputs_seq ON outputs(ledger_seq_no);
CREATE INDEX IF NOT EXISTS idx_outputs_hash ON outputs(hash);
CREATE INDEX IF NOT EXISTS idx_outputs_seq_pk ON outputs(ledger_seq_no, pubkey);
`

// Store is the ledger persistence layer: one primary-shard SQLite database
// per ShardSize seq_nos, an optional parallel raw-shard database holding
// input/output provenance, and a buffer.Store per raw shard for the blobs
// those rows point into.
type Store struct {
	dir       string
	rawEnabled bool

	mu      sync.Mutex
	primary map[uint64]*sql.DB
	raw     map[uint64]*sql.DB
	blobs   map[uint64]*buffer.Store
	index   *pebble.DB // lazily opened; nil until the first raw append

	journalOff bool
}

// Open creates/opens a ledger Store rooted at dir. rawEnabled toggles
// whether raw shards (full input/output blob provenance) are maintained.
func Open(dir string, rawEnabled bool, journalOff bool) (*Store, error) {
	return &Store{
		dir:        dir,
		rawEnabled: rawEnabled,
		primary:    make(map[uint64]*sql.DB),
		raw:        make(map[uint64]*sql.DB),
		blobs:      make(map[uint64]*buffer.Store),
		journalOff: journalOff,
	}, nil
}

// hashIndex lazily opens the pebble side-index used to resolve an input
// hash to the shard holding it, without touching disk until raw provenance
// is first written (mirrors Store's own lazy-open discipline).
func (s *Store) hashIndex() (*pebble.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.index != nil {
		return s.index, nil
	}

	db, err := pebble.Open(filepath.Join(s.dir, "hashindex"), &pebble.Options{})
	if err != nil {
		return nil, corerr.New(corerr.Io, errors.Wrap(err, "opening hash index"))
	}
	s.index = db
	return db, nil
}

func (s *Store) primaryDB(shard uint64) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if db, ok := s.primary[shard]; ok {
		return db, nil
	}

	path := filepath.Join(s.dir, fmt.Sprintf("primary-%d.db", shard))
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, corerr.New(corerr.Io, errors.Wrapf(err, "opening primary shard %d", shard))
	}
	db.SetMaxOpenConns(1) // write connections use serialized access (spec §5)

	if s.journalOff {
		db.Exec("PRAGMA journal_mode=OFF")
	}

	if _, err := db.Exec(primarySchema); err != nil {
		return nil, corerr.New(corerr.Io, errors.Wrapf(err, "creating schema for shard %d", shard))
	}

	s.primary[shard] = db
	return db, nil
}

func (s *Store) rawDB(shard uint64) (*sql.DB, *buffer.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if db, ok := s.raw[shard]; ok {
		return db, s.blobs[shard], nil
	}

	path := filepath.Join(s.dir, fmt.Sprintf("raw-%d.db", shard))
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, nil, corerr.New(corerr.Io, errors.Wrapf(err, "opening raw shard %d", shard))
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(rawSchema); err != nil {
		return nil, nil, corerr.New(corerr.Io, errors.Wrapf(err, "creating raw schema for shard %d", shard))
	}

	blobPath := filepath.Join(s.dir, fmt.Sprintf("raw-%d.blob", shard))
	bs, err := buffer.Open(blobPath)
	if err != nil {
		return nil, nil, err
	}

	s.raw[shard] = db
	s.blobs[shard] = bs
	return db, bs, nil
}

// Append persists rec (and, if the store is raw-enabled, its users/inputs/
// outputs with blob payloads) atomically within the shard transaction
// (spec §4.H commit step, §5: "either all committed or all rolled back").
func (s *Store) Append(rec *Record, users [][]byte, inputs []AppendInput, outputs []AppendOutput) error {
	shard := ShardIDFor(rec.SeqNo)

	pdb, err := s.primaryDB(shard)
	if err != nil {
		return err
	}

	tx, err := pdb.Begin()
	if err != nil {
		return corerr.New(corerr.Io, errors.Wrap(err, "beginning primary shard tx"))
	}

	_, err = tx.Exec(
		`INSERT INTO ledger (seq_no, time, ledger_hash, prev_ledger_hash, data_hash, state_hash, config_hash, nonce, user_hash, input_hash, output_hash)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		rec.SeqNo, rec.Timestamp, rec.LedgerHash.Bytes(), rec.PrevLedgerHash.Bytes(), rec.DataHash.Bytes(),
		rec.StateHash.Bytes(), rec.ConfigHash.Bytes(), rec.Nonce.Bytes(), rec.UserHash.Bytes(),
		rec.InputHash.Bytes(), rec.OutputHash.Bytes(),
	)
	if err != nil {
		tx.Rollback()
		return corerr.New(corerr.LedgerIntegrityViolation, errors.Wrap(err, "inserting ledger row"))
	}

	if err := tx.Commit(); err != nil {
		return corerr.New(corerr.Io, errors.Wrap(err, "committing primary shard tx"))
	}

	if s.rawEnabled {
		if err := s.appendRaw(rec.SeqNo, shard, users, inputs, outputs); err != nil {
			return err
		}
	}

	return nil
}

// AppendInput is a caller-supplied input row paired with its raw blob bytes.
type AppendInput struct {
	UserInput
	Blob []byte
}

// AppendOutput is a caller-supplied output row paired with its raw blob bytes.
type AppendOutput struct {
	UserOutput
	Blob []byte
}

func (s *Store) appendRaw(seqNo, shard uint64, users [][]byte, inputs []AppendInput, outputs []AppendOutput) error {
	rdb, blobs, err := s.rawDB(shard)
	if err != nil {
		return err
	}

	tx, err := rdb.Begin()
	if err != nil {
		return corerr.New(corerr.Io, errors.Wrap(err, "beginning raw shard tx"))
	}

	for _, u := range users {
		if _, err := tx.Exec(`INSERT INTO users (ledger_seq_no, pubkey) VALUES (?,?)`, seqNo, u); err != nil {
			tx.Rollback()
			return corerr.New(corerr.Io, errors.Wrap(err, "inserting user row"))
		}
	}

	idx, err := s.hashIndex()
	if err != nil {
		tx.Rollback()
		return err
	}
	batch := idx.NewBatch()

	for _, in := range inputs {
		view, err := blobs.Append(in.Blob)
		if err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO inputs (ledger_seq_no, pubkey, hash, nonce, blob_offset, blob_size) VALUES (?,?,?,?,?,?)`,
			seqNo, in.Pubkey, in.Hash.Bytes(), in.Nonce, view.Offset, view.Size,
		); err != nil {
			tx.Rollback()
			return corerr.New(corerr.Io, errors.Wrap(err, "inserting input row"))
		}
		if err := batch.Set(inputIndexKey(in.Hash), shardKey(shard), nil); err != nil {
			tx.Rollback()
			return corerr.New(corerr.Io, errors.Wrap(err, "staging hash index entry"))
		}
	}

	for _, out := range outputs {
		view, err := blobs.Append(out.Blob)
		if err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO outputs (ledger_seq_no, pubkey, hash, blob_offset, blob_count) VALUES (?,?,?,?,?)`,
			seqNo, out.Pubkey, out.Hash.Bytes(), view.Offset, view.Size,
		); err != nil {
			tx.Rollback()
			return corerr.New(corerr.Io, errors.Wrap(err, "inserting output row"))
		}
	}

	if err := tx.Commit(); err != nil {
		batch.Close()
		return corerr.New(corerr.Io, errors.Wrap(err, "committing raw shard tx"))
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return corerr.New(corerr.Io, errors.Wrap(err, "committing hash index batch"))
	}

	return nil
}

func shardKey(shard uint64) []byte {
	return []byte(fmt.Sprintf("%d", shard))
}

func scanRecord(row interface{ Scan(...interface{}) error }) (*Record, error) {
	var (
		seqNo                                                                               uint64
		ts                                                                                   int64
		ledgerHash, prevHash, dataHash, stateHash, configHash, nonce, userHash, inputHash, outputHash []byte
	)

	if err := row.Scan(&seqNo, &ts, &ledgerHash, &prevHash, &dataHash, &stateHash, &configHash, &nonce, &userHash, &inputHash, &outputHash); err != nil {
		return nil, err
	}

	return &Record{
		SeqNo:          seqNo,
		Timestamp:      ts,
		LedgerHash:     hash.FromBytes(ledgerHash),
		PrevLedgerHash: hash.FromBytes(prevHash),
		DataHash:       hash.FromBytes(dataHash),
		StateHash:      hash.FromBytes(stateHash),
		ConfigHash:     hash.FromBytes(configHash),
		Nonce:          hash.FromBytes(nonce),
		UserHash:       hash.FromBytes(userHash),
		InputHash:      hash.FromBytes(inputHash),
		OutputHash:     hash.FromBytes(outputHash),
	}, nil
}

const ledgerColumns = "seq_no, time, ledger_hash, prev_ledger_hash, data_hash, state_hash, config_hash, nonce, user_hash, input_hash, output_hash"

// GetLedgerBySeqNo returns the record at seqNo, or corerr.SessionNotFound-
// classified error if absent (spec wording: "not-found").
func (s *Store) GetLedgerBySeqNo(seqNo uint64) (*Record, error) {
	pdb, err := s.primaryDB(ShardIDFor(seqNo))
	if err != nil {
		return nil, err
	}

	row := pdb.QueryRow("SELECT "+ledgerColumns+" FROM ledger WHERE seq_no = ?", seqNo)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, corerr.New(corerr.SessionNotFound, errors.Errorf("no ledger record at seq_no %d", seqNo))
	}
	if err != nil {
		return nil, corerr.New(corerr.Io, errors.Wrap(err, "querying ledger record"))
	}

	return rec, nil
}

// onDiskPrimaryShards globs the store directory for primary-<shard>.db
// files so a freshly restarted process can see shards written by a prior
// run before any of them have been lazily opened into s.primary.
func (s *Store) onDiskPrimaryShards() ([]uint64, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "primary-*.db"))
	if err != nil {
		return nil, corerr.New(corerr.Io, errors.Wrap(err, "listing primary shard files"))
	}

	var shards []uint64
	for _, m := range matches {
		name := strings.TrimSuffix(filepath.Base(m), ".db")
		idStr := strings.TrimPrefix(name, "primary-")
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue
		}
		shards = append(shards, id)
	}
	return shards, nil
}

// GetLastLedger returns the most recently committed record across all
// shards known to this store, including shards persisted by a prior
// process that haven't been lazily opened yet in this run.
func (s *Store) GetLastLedger() (*Record, error) {
	onDisk, err := s.onDiskPrimaryShards()
	if err != nil {
		return nil, err
	}

	seen := make(map[uint64]bool, len(onDisk))
	var shards []uint64
	for _, shard := range onDisk {
		if !seen[shard] {
			seen[shard] = true
			shards = append(shards, shard)
		}
	}

	s.mu.Lock()
	for shard := range s.primary {
		if !seen[shard] {
			seen[shard] = true
			shards = append(shards, shard)
		}
	}
	s.mu.Unlock()

	var best *Record
	for _, shard := range shards {
		pdb, err := s.primaryDB(shard)
		if err != nil {
			return nil, err
		}

		row := pdb.QueryRow("SELECT " + ledgerColumns + " FROM ledger ORDER BY seq_no DESC LIMIT 1")
		rec, err := scanRecord(row)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, corerr.New(corerr.Io, errors.Wrap(err, "querying last ledger record"))
		}

		if best == nil || rec.SeqNo > best.SeqNo {
			best = rec
		}
	}

	if best == nil {
		return nil, corerr.New(corerr.SessionNotFound, errors.New("no ledger records committed yet"))
	}
	return best, nil
}

// GetUsersBySeqNo returns the raw shard's users for seqNo.
func (s *Store) GetUsersBySeqNo(seqNo uint64) ([][]byte, error) {
	rdb, _, err := s.rawDB(ShardIDFor(seqNo))
	if err != nil {
		return nil, err
	}

	rows, err := rdb.Query("SELECT pubkey FROM users WHERE ledger_seq_no = ?", seqNo)
	if err != nil {
		return nil, corerr.New(corerr.Io, errors.Wrap(err, "querying users"))
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var pk []byte
		if err := rows.Scan(&pk); err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, nil
}

// GetUserInputsBySeqNo returns the raw shard's input rows for seqNo.
func (s *Store) GetUserInputsBySeqNo(seqNo uint64) ([]UserInput, error) {
	rdb, _, err := s.rawDB(ShardIDFor(seqNo))
	if err != nil {
		return nil, err
	}

	rows, err := rdb.Query("SELECT ledger_seq_no, pubkey, hash, nonce, blob_offset, blob_size FROM inputs WHERE ledger_seq_no = ?", seqNo)
	if err != nil {
		return nil, corerr.New(corerr.Io, errors.Wrap(err, "querying inputs"))
	}
	defer rows.Close()

	return scanInputs(rows)
}

// GetUserOutputsBySeqNo returns the raw shard's output rows for seqNo.
func (s *Store) GetUserOutputsBySeqNo(seqNo uint64) ([]UserOutput, error) {
	rdb, _, err := s.rawDB(ShardIDFor(seqNo))
	if err != nil {
		return nil, err
	}

	rows, err := rdb.Query("SELECT ledger_seq_no, pubkey, hash, blob_offset, blob_count FROM outputs WHERE ledger_seq_no = ?", seqNo)
	if err != nil {
		return nil, corerr.New(corerr.Io, errors.Wrap(err, "querying outputs"))
	}
	defer rows.Close()

	var out []UserOutput
	for rows.Next() {
		var o UserOutput
		var h []byte
		if err := rows.Scan(&o.LedgerSeqNo, &o.Pubkey, &h, &o.BlobOffset, &o.BlobCount); err != nil {
			return nil, err
		}
		o.Hash = hash.FromBytes(h)
		out = append(out, o)
	}
	return out, nil
}

// GetUserInputByHash resolves h to its raw shard via the pebble hash index
// and queries only that shard, falling back to a full scan across known raw
// shards if the index has no entry (e.g. rows inserted before the index
// existed).
func (s *Store) GetUserInputByHash(h hash.H32) (*UserInput, error) {
	idx, err := s.hashIndex()
	if err != nil {
		return nil, err
	}

	if v, closer, err := idx.Get(inputIndexKey(h)); err == nil {
		shard := string(v)
		closer.Close()
		var shardID uint64
		fmt.Sscanf(shard, "%d", &shardID)

		if in, err := s.queryInputByHash(shardID, h); err == nil {
			return in, nil
		}
	} else if err != pebble.ErrNotFound {
		return nil, corerr.New(corerr.Io, errors.Wrap(err, "querying hash index"))
	}

	s.mu.Lock()
	var shards []uint64
	for shard := range s.raw {
		shards = append(shards, shard)
	}
	s.mu.Unlock()

	for _, shard := range shards {
		if in, err := s.queryInputByHash(shard, h); err == nil {
			return in, nil
		}
	}

	return nil, corerr.New(corerr.SessionNotFound, errors.New("no input with that hash"))
}

func (s *Store) queryInputByHash(shard uint64, h hash.H32) (*UserInput, error) {
	rdb, _, err := s.rawDB(shard)
	if err != nil {
		return nil, err
	}

	rows, err := rdb.Query("SELECT ledger_seq_no, pubkey, hash, nonce, blob_offset, blob_size FROM inputs WHERE hash = ?", h.Bytes())
	if err != nil {
		return nil, corerr.New(corerr.Io, errors.Wrap(err, "querying input by hash"))
	}
	defer rows.Close()

	ins, err := scanInputs(rows)
	if err != nil {
		return nil, err
	}
	if len(ins) == 0 {
		return nil, corerr.New(corerr.SessionNotFound, errors.New("no input with that hash in indexed shard"))
	}
	return &ins[0], nil
}

func scanInputs(rows *sql.Rows) ([]UserInput, error) {
	var out []UserInput
	for rows.Next() {
		var in UserInput
		var h []byte
		if err := rows.Scan(&in.LedgerSeqNo, &in.Pubkey, &h, &in.Nonce, &in.BlobOffset, &in.BlobSize); err != nil {
			return nil, err
		}
		in.Hash = hash.FromBytes(h)
		out = append(out, in)
	}
	return out, nil
}

// Prune drops primary/raw shards entirely below keepFromSeqNo, for
// custom-history nodes whose max_primary_shards retention window has been
// exceeded (SPEC_FULL supplemented feature, spec §6 node.history=custom).
func (s *Store) Prune(keepFromSeqNo uint64) error {
	keepShard := ShardIDFor(keepFromSeqNo)

	s.mu.Lock()
	defer s.mu.Unlock()

	for shard, db := range s.primary {
		if shard < keepShard {
			db.Close()
			delete(s.primary, shard)
			os.Remove(filepath.Join(s.dir, fmt.Sprintf("primary-%d.db", shard)))
		}
	}
	for shard, db := range s.raw {
		if shard < keepShard {
			db.Close()
			if bs, ok := s.blobs[shard]; ok {
				bs.Close()
				delete(s.blobs, shard)
				os.Remove(filepath.Join(s.dir, fmt.Sprintf("raw-%d.blob", shard)))
			}
			delete(s.raw, shard)
			os.Remove(filepath.Join(s.dir, fmt.Sprintf("raw-%d.db", shard)))
		}
	}

	return nil
}

// Close closes every open shard database and blob store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, db := range s.primary {
		db.Close()
	}
	for _, db := range s.raw {
		db.Close()
	}
	for _, bs := range s.blobs {
		bs.Close()
	}
	if s.index != nil {
		s.index.Close()
	}
	return nil
}
