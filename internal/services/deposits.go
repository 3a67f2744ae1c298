package services

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/betbot/orderdesk/internal/domain"
	"github.com/betbot/orderdesk/internal/explorer"
	"github.com/betbot/orderdesk/internal/storage"
	"github.com/betbot/orderdesk/pkg/reqchannel"
)

var scanLog = logrus.WithField("component", "deposits")

// ScannerConfig fixes what counts as a deposit.
type ScannerConfig struct {
	// TrackedAsset is the ERC-20 contract watched for inbound
	// transfers, lowercase hex.
	TrackedAsset string
	// DefaultLimit caps scan responses when the caller passes none.
	DefaultLimit int
}

// SyncResult summarizes one sync pass.
type SyncResult struct {
	Synced  int `json:"synced"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// Scanner detects on-chain deposits incrementally. Each user carries a
// checkpoint of the last block scanned; scans resume one past it, so
// history is fetched once. Recording is idempotent by transaction hash.
type Scanner struct {
	store   *storage.Store
	source  ExplorerSource
	channel *reqchannel.Channel
	cfg     ScannerConfig
}

func NewScanner(store *storage.Store, source ExplorerSource, channel *reqchannel.Channel, cfg ScannerConfig) *Scanner {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 100
	}
	return &Scanner{store: store, source: source, channel: channel, cfg: cfg}
}

// Scan lists a user's inbound transfers of the tracked asset, newest
// first, without touching storage. fromBlock nil resumes from the
// checkpoint; zero or no checkpoint scans from genesis.
func (s *Scanner) Scan(ctx context.Context, user *domain.User, fromBlock *uint64, limit int) ([]domain.DepositRecord, error) {
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}
	start, err := s.startBlock(ctx, user.ID, fromBlock)
	if err != nil {
		return nil, err
	}

	transfers, err := s.fetch(ctx, user.Address, start)
	if err != nil {
		return nil, err
	}

	deposits := s.toDeposits(user, transfers)
	sort.Slice(deposits, func(i, j int) bool {
		return deposits[i].BlockNumber > deposits[j].BlockNumber
	})
	if len(deposits) > limit {
		deposits = deposits[:limit]
	}
	return deposits, nil
}

// Sync persists newly detected deposits and advances the checkpoint.
// Transfers already recorded count as skipped; per-row insert failures
// count as errors and do not abort the pass.
func (s *Scanner) Sync(ctx context.Context, user *domain.User) (*SyncResult, error) {
	start, err := s.startBlock(ctx, user.ID, nil)
	if err != nil {
		return nil, err
	}
	res, err := s.scanAndSyncFrom(ctx, user, &start)
	if err != nil {
		return nil, err
	}
	scanLog.WithFields(logrus.Fields{
		"user": user.ID, "synced": res.Synced, "skipped": res.Skipped, "errors": res.Errors,
	}).Info("deposit sync complete")
	return res, nil
}

// DepositHistory is a user's recorded deposits plus the aggregate view.
type DepositHistory struct {
	Deposits []domain.DepositRecord
	Summary  *domain.DepositSummary
}

// CompleteHistory returns every persisted deposit with aggregate stats.
// With autoSync a sync runs first: a user with no recorded deposits gets
// one full rescan from genesis, anyone else an incremental pass from
// their checkpoint. Without autoSync storage is served as is.
func (s *Scanner) CompleteHistory(ctx context.Context, user *domain.User, autoSync bool) (*DepositHistory, error) {
	if autoSync {
		count, err := s.store.CountDeposits(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		if count == 0 {
			zero := uint64(0)
			if _, err := s.scanAndSyncFrom(ctx, user, &zero); err != nil {
				return nil, err
			}
		} else if _, err := s.Sync(ctx, user); err != nil {
			return nil, err
		}
	}

	deposits, err := s.store.ListDeposits(ctx, user.ID, 0)
	if err != nil {
		return nil, err
	}
	summary, err := s.store.DepositSummary(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return &DepositHistory{Deposits: deposits, Summary: summary}, nil
}

func (s *Scanner) scanAndSyncFrom(ctx context.Context, user *domain.User, fromBlock *uint64) (*SyncResult, error) {
	transfers, err := s.fetch(ctx, user.Address, *fromBlock)
	if err != nil {
		return nil, err
	}
	res := &SyncResult{}
	var maxBlock uint64
	for _, d := range s.toDeposits(user, transfers) {
		if d.BlockNumber > maxBlock {
			maxBlock = d.BlockNumber
		}
		existing, err := s.store.GetDepositByHash(ctx, user.ID, d.TxHash)
		if err != nil {
			res.Errors++
			continue
		}
		if existing != nil {
			res.Skipped++
			continue
		}
		if err := s.store.InsertDeposit(ctx, &d); err != nil {
			scanLog.WithFields(logrus.Fields{"user": user.ID, "tx": d.TxHash, "error": err}).Warn("deposit insert failed")
			res.Errors++
			continue
		}
		res.Synced++
	}
	if maxBlock > 0 {
		if err := s.store.SetCheckpoint(ctx, user.ID, maxBlock, time.Now().UTC()); err != nil {
			return res, err
		}
	}
	return res, nil
}

// startBlock resolves where a scan begins: explicit fromBlock wins,
// then one past the checkpoint, then genesis.
func (s *Scanner) startBlock(ctx context.Context, userID string, fromBlock *uint64) (uint64, error) {
	if fromBlock != nil {
		return *fromBlock, nil
	}
	cp, err := s.store.GetCheckpoint(ctx, userID)
	if err != nil {
		return 0, err
	}
	if cp == nil {
		return 0, nil
	}
	return cp.LastBlock + 1, nil
}

func (s *Scanner) fetch(ctx context.Context, address string, startBlock uint64) ([]explorer.TokenTransfer, error) {
	v, err := s.channel.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return s.source.TokenTransfers(ctx, address, s.cfg.TrackedAsset, startBlock)
	}, "")
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.([]explorer.TokenTransfer), nil
}

// toDeposits keeps only inbound transfers of the tracked asset.
func (s *Scanner) toDeposits(user *domain.User, transfers []explorer.TokenTransfer) []domain.DepositRecord {
	addr := strings.ToLower(user.Address)
	asset := strings.ToLower(s.cfg.TrackedAsset)

	out := make([]domain.DepositRecord, 0, len(transfers))
	for _, t := range transfers {
		if t.To != addr || t.Contract != asset {
			continue
		}
		out = append(out, domain.DepositRecord{
			ID:          uuid.NewString(),
			UserID:      user.ID,
			TxHash:      t.Hash,
			Amount:      t.Value,
			BlockNumber: t.BlockNumber,
			Timestamp:   t.Timestamp,
			Status:      domain.DepositDetected,
		})
	}
	return out
}
