package ticketpool

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"kolo-engine/pkg/config"
	"kolo-engine/pkg/db/option"
	"kolo-engine/pkg/errutil"
	"kolo-engine/pkg/repository"
	"kolo-engine/services/campaign"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Service is the authoritative owner of per-number state. Reserve,
// Commit and Release run as row-locked transactions; no caller ever
// sees a read-then-write window on a number.
type Service struct {
	db      *gorm.DB
	node    *snowflake.Node
	holdTTL time.Duration

	numbers   repository.Repository[TicketNumber]
	campaigns repository.Repository[campaign.Campaign]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:      p.DB,
		node:    p.Node,
		holdTTL: p.Config.Pool.HoldTTL,

		numbers:   repository.ProvideStore[TicketNumber](p.DB),
		campaigns: repository.ProvideStore[campaign.Campaign](p.DB),
	}
}

// Reserve claims numbers for a new hold. Manual selections are
// all-or-nothing; automatic selections fill as much as the pool allows
// and report the shortfall via ErrInsufficientInventory while keeping
// the partial reservation.
func (s *Service) Reserve(ctx context.Context, campaignID string, sel Selection) (*Reservation, error) {
	var res *Reservation
	var partialErr error

	err := s.db.Transaction(func(tx *gorm.DB) error {
		tx = tx.Scopes(option.LockingUpdate)

		// The campaign row is the serialization point for its pool.
		cmp, err := s.campaigns.WithTrx(tx).FindOne(ctx, &campaign.Campaign{CampaignID: campaignID})
		if err != nil {
			return err
		}
		if cmp == nil {
			return errutil.NotFound("campaign not found", nil)
		}
		if cmp.Status != campaign.StatusOpen {
			return errutil.UnprocessableEntity("campaign is not open for purchases", nil)
		}

		now := time.Now()

		// Lapsed holds free their numbers before any claim is judged.
		if err := tx.WithContext(ctx).
			Where("campaign_id = ? AND state = ? AND hold_expires_at < ?", campaignID, NumberHeld, now).
			Delete(&TicketNumber{}).Error; err != nil {
			return err
		}

		holdID := s.node.Generate().String()
		expiresAt := now.Add(s.holdTTL)

		switch sel := sel.(type) {
		case Manual:
			numbers, err := s.reserveManual(ctx, tx, cmp, sel, holdID, expiresAt)
			if err != nil {
				return err
			}
			res = &Reservation{HoldID: holdID, Numbers: numbers, ExpiresAt: expiresAt}
			return nil

		case Automatic:
			numbers, shortfall, err := s.reserveAutomatic(ctx, tx, cmp, sel, holdID, expiresAt)
			if err != nil {
				return err
			}
			res = &Reservation{HoldID: holdID, Numbers: numbers, ExpiresAt: expiresAt}
			if shortfall > 0 {
				partialErr = ErrInsufficientInventory{Reserved: numbers, Shortfall: shortfall}
			}
			return nil

		default:
			return errutil.BadRequest("unsupported selection", nil)
		}
	})
	if err != nil {
		return nil, err
	}

	return res, partialErr
}

func (s *Service) reserveManual(ctx context.Context, tx *gorm.DB, cmp *campaign.Campaign, sel Manual, holdID string, expiresAt time.Time) ([]int, error) {
	if len(sel.Numbers) == 0 {
		return nil, errutil.BadRequest("no numbers requested", nil)
	}

	seen := make(map[int]bool, len(sel.Numbers))
	for _, n := range sel.Numbers {
		if n < 1 || n > cmp.TotalTickets {
			return nil, errutil.BadRequest("number out of range", nil)
		}
		if seen[n] {
			return nil, errutil.BadRequest("duplicate number requested", nil)
		}
		seen[n] = true
	}

	var taken []TicketNumber
	if err := tx.WithContext(ctx).
		Where("campaign_id = ? AND number IN ?", cmp.CampaignID, sel.Numbers).
		Find(&taken).Error; err != nil {
		return nil, err
	}

	if len(taken) > 0 {
		unavailable := make([]int, 0, len(taken))
		for _, row := range taken {
			unavailable = append(unavailable, row.Number)
		}
		sort.Ints(unavailable)
		return nil, ErrNumbersUnavailable{Unavailable: unavailable}
	}

	rows := make([]*TicketNumber, 0, len(sel.Numbers))
	for _, n := range sel.Numbers {
		rows = append(rows, &TicketNumber{
			ID:            s.node.Generate().String(),
			CampaignID:    cmp.CampaignID,
			Number:        n,
			State:         NumberHeld,
			HoldID:        holdID,
			HoldExpiresAt: expiresAt,
		})
	}

	insert := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows)
	if insert.Error != nil {
		return nil, insert.Error
	}
	if insert.RowsAffected != int64(len(rows)) {
		// A concurrent claim slipped in between the read and the insert;
		// the unique index rejected ours. All-or-nothing, so roll back.
		return nil, ErrNumbersUnavailable{Unavailable: sel.Numbers}
	}

	numbers := append([]int(nil), sel.Numbers...)
	sort.Ints(numbers)
	return numbers, nil
}

func (s *Service) reserveAutomatic(ctx context.Context, tx *gorm.DB, cmp *campaign.Campaign, sel Automatic, holdID string, expiresAt time.Time) ([]int, int, error) {
	if sel.Count <= 0 {
		return nil, 0, errutil.BadRequest("count must be > 0", nil)
	}

	var takenNumbers []int
	if err := tx.WithContext(ctx).
		Model(&TicketNumber{}).
		Where("campaign_id = ?", cmp.CampaignID).
		Pluck("number", &takenNumbers).Error; err != nil {
		return nil, 0, err
	}

	taken := make(map[int]bool, len(takenNumbers))
	for _, n := range takenNumbers {
		taken[n] = true
	}

	free := make([]int, 0, cmp.TotalTickets-len(takenNumbers))
	for n := 1; n <= cmp.TotalTickets; n++ {
		if !taken[n] {
			free = append(free, n)
		}
	}

	rand.Shuffle(len(free), func(i, j int) {
		free[i], free[j] = free[j], free[i]
	})

	pick := sel.Count
	if pick > len(free) {
		pick = len(free)
	}
	if pick == 0 {
		return nil, sel.Count, ErrInsufficientInventory{Shortfall: sel.Count}
	}

	rows := make([]*TicketNumber, 0, pick)
	for _, n := range free[:pick] {
		rows = append(rows, &TicketNumber{
			ID:            s.node.Generate().String(),
			CampaignID:    cmp.CampaignID,
			Number:        n,
			State:         NumberHeld,
			HoldID:        holdID,
			HoldExpiresAt: expiresAt,
		})
	}

	if err := tx.WithContext(ctx).Create(&rows).Error; err != nil {
		return nil, 0, err
	}

	numbers := make([]int, 0, pick)
	for _, row := range rows {
		numbers = append(numbers, row.Number)
	}
	sort.Ints(numbers)

	return numbers, sel.Count - pick, nil
}

// Commit transitions every number under the hold from held to issued.
// Calling it again after a successful commit is a no-op success, since
// webhook redelivery drives this path more than once.
func (s *Service) Commit(ctx context.Context, holdID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return s.CommitTx(ctx, tx, holdID)
	})
}

// CommitTx is Commit inside a caller-owned transaction, so order
// completion and ticket issuance share one atomic boundary.
func (s *Service) CommitTx(ctx context.Context, tx *gorm.DB, holdID string) error {
	tx = tx.Scopes(option.LockingUpdate)

	rows, err := s.numbers.WithTrx(tx).Find(ctx, &TicketNumber{HoldID: holdID})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return ErrHoldNotFound{HoldID: holdID}
	}

	allIssued := true
	for _, row := range rows {
		if row.State != NumberIssued {
			allIssued = false
			break
		}
	}
	if allIssued {
		return nil
	}

	if err := tx.WithContext(ctx).
		Model(&TicketNumber{}).
		Where("hold_id = ? AND state = ?", holdID, NumberHeld).
		Updates(map[string]any{
			"state":      NumberIssued,
			"updated_at": time.Now(),
		}).Error; err != nil {
		return err
	}

	return s.closeIfSoldOut(ctx, tx, rows[0].CampaignID)
}

// closeIfSoldOut flips the campaign to closed once every number is
// issued, replacing the original's drift-prone sold counter.
func (s *Service) closeIfSoldOut(ctx context.Context, tx *gorm.DB, campaignID string) error {
	cmp, err := s.campaigns.WithTrx(tx).FindOne(ctx, &campaign.Campaign{CampaignID: campaignID})
	if err != nil || cmp == nil {
		return err
	}
	if cmp.Status != campaign.StatusOpen {
		return nil
	}

	issued, err := s.numbers.WithTrx(tx).Count(ctx, &TicketNumber{CampaignID: campaignID, State: NumberIssued})
	if err != nil {
		return err
	}

	if issued >= int64(cmp.TotalTickets) {
		zap.L().Info("campaign sold out, closing",
			zap.String("campaign_id", campaignID),
			zap.Int64("issued", issued),
		)
		return s.campaigns.WithTrx(tx).Update(ctx, campaignID, map[string]any{
			"status":     campaign.StatusClosed,
			"updated_at": time.Now(),
		})
	}

	return nil
}

// Release returns held numbers to the free pool. Idempotent; issued
// numbers are never released here.
func (s *Service) Release(ctx context.Context, holdID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return s.ReleaseTx(ctx, tx, holdID)
	})
}

func (s *Service) ReleaseTx(ctx context.Context, tx *gorm.DB, holdID string) error {
	return tx.WithContext(ctx).
		Where("hold_id = ? AND state = ?", holdID, NumberHeld).
		Delete(&TicketNumber{}).Error
}

// ExpireHolds releases every held number whose expiry has passed.
// Issued numbers are untouched, so a completed order can never lose its
// tickets to the sweep.
func (s *Service) ExpireHolds(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("state = ? AND hold_expires_at < ?", NumberHeld, time.Now()).
		Delete(&TicketNumber{})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		zap.L().Info("released expired holds", zap.Int64("numbers", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

// SoldCount recomputes the issued count from pool state. Campaign rows
// never carry an independently incremented counter.
func (s *Service) SoldCount(ctx context.Context, campaignID string) (int64, error) {
	return s.numbers.Count(ctx, &TicketNumber{CampaignID: campaignID, State: NumberIssued})
}

// FreeNumbers is an advisory snapshot of currently free numbers. It is
// display-only; reservations always re-check authoritative state.
func (s *Service) FreeNumbers(ctx context.Context, campaignID string) ([]int, error) {
	cmp, err := s.campaigns.FindOne(ctx, &campaign.Campaign{CampaignID: campaignID})
	if err != nil {
		return nil, err
	}
	if cmp == nil {
		return nil, errutil.NotFound("campaign not found", nil)
	}

	var rows []TicketNumber
	if err := s.db.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Find(&rows).Error; err != nil {
		return nil, err
	}

	now := time.Now()
	taken := make(map[int]bool, len(rows))
	for _, row := range rows {
		if row.State == NumberIssued || (row.State == NumberHeld && row.HoldExpiresAt.After(now)) {
			taken[row.Number] = true
		}
	}

	free := make([]int, 0, cmp.TotalTickets-len(taken))
	for n := 1; n <= cmp.TotalTickets; n++ {
		if !taken[n] {
			free = append(free, n)
		}
	}

	return free, nil
}

// HoldNumbers returns the numbers currently under a hold, issued or held.
func (s *Service) HoldNumbers(ctx context.Context, holdID string) ([]int, error) {
	rows, err := s.numbers.Find(ctx, &TicketNumber{HoldID: holdID})
	if err != nil {
		return nil, err
	}
	numbers := make([]int, 0, len(rows))
	for _, row := range rows {
		numbers = append(numbers, row.Number)
	}
	sort.Ints(numbers)
	return numbers, nil
}
