package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"payment-reconciler/internal/ledger"
	"payment-reconciler/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateProviderRecord inserts a provider record in its own transaction
func (s *Store) CreateProviderRecord(ctx context.Context, rec *models.ProviderRecord) error {
	query := `
		INSERT INTO provider_records
			(order_id, channel, transaction_id, order_status, state, amount, refunded_amount,
			 return_code, return_message, one_time_token, insert_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, updated_at`

	err := s.db.GetContext(ctx, rec, query,
		rec.OrderID, rec.Channel, rec.TransactionID, rec.OrderStatus, rec.State, rec.Amount,
		rec.RefundedAmount, rec.ReturnCode, rec.ReturnMessage, rec.OneTimeToken, rec.InsertTime)
	if isUniqueViolation(err) {
		return fmt.Errorf("provider record for order %s: %w", rec.OrderID, ledger.ErrDuplicate)
	}
	return err
}

// GetProviderRecord retrieves the provider record of an order
func (s *Store) GetProviderRecord(ctx context.Context, orderID string) (*models.ProviderRecord, error) {
	return getProviderRecord(ctx, s.db, "SELECT * FROM provider_records WHERE order_id = $1", orderID)
}

// GetDetails retrieves all settlement entries of an order
func (s *Store) GetDetails(ctx context.Context, orderID string) ([]models.ProviderDetail, error) {
	var details []models.ProviderDetail
	err := s.db.SelectContext(ctx, &details,
		"SELECT * FROM provider_details WHERE order_id = $1 ORDER BY id", orderID)
	return details, err
}

// GetPayInfos retrieves the payment instruments recorded for an order
func (s *Store) GetPayInfos(ctx context.Context, orderID string) ([]models.ProviderPayInfo, error) {
	var infos []models.ProviderPayInfo
	err := s.db.SelectContext(ctx, &infos,
		"SELECT * FROM provider_pay_infos WHERE order_id = $1 ORDER BY id", orderID)
	return infos, err
}

// ListStaleRecords returns the oldest records in the given states last touched before a cutoff
func (s *Store) ListStaleRecords(ctx context.Context, q ledger.StaleQuery) ([]models.ProviderRecord, error) {
	if len(q.States) == 0 {
		return []models.ProviderRecord{}, nil
	}

	codes := make([]int, len(q.States))
	for i, st := range q.States {
		codes[i] = int(st)
	}

	query := "SELECT * FROM provider_records WHERE state IN (?) AND updated_at < ?"
	args := []interface{}{codes, q.Before}
	if q.After != nil {
		query += " AND (updated_at, order_id) > (?, ?)"
		args = append(args, q.After.UpdatedAt, q.After.OrderID)
	}
	query += " ORDER BY updated_at, order_id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	records := []models.ProviderRecord{}
	err = s.db.SelectContext(ctx, &records, query, args...)
	return records, err
}

func getProviderRecord(ctx context.Context, q sqlx.QueryerContext, query, orderID string) (*models.ProviderRecord, error) {
	var rec models.ProviderRecord
	err := sqlx.GetContext(ctx, q, &rec, query, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("provider record %s: %w", orderID, ledger.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// pgTx implements ledger.Tx on top of a sqlx transaction
type pgTx struct {
	tx *sqlx.Tx
}

// LockProviderRecord reads the record with a row lock held until commit or rollback
func (t *pgTx) LockProviderRecord(ctx context.Context, orderID string) (*models.ProviderRecord, error) {
	return getProviderRecord(ctx, t.tx,
		"SELECT * FROM provider_records WHERE order_id = $1 FOR UPDATE", orderID)
}

func (t *pgTx) UpdateProviderRecord(ctx context.Context, rec *models.ProviderRecord) error {
	query := `
		UPDATE provider_records SET
			transaction_id = $1, order_status = $2, state = $3, refunded_amount = $4,
			return_code = $5, return_message = $6, insert_time = $7, updated_at = NOW()
		WHERE order_id = $8
		RETURNING updated_at`

	err := t.tx.GetContext(ctx, &rec.UpdatedAt, query,
		rec.TransactionID, rec.OrderStatus, rec.State, rec.RefundedAmount,
		rec.ReturnCode, rec.ReturnMessage, rec.InsertTime, rec.OrderID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("provider record %s: %w", rec.OrderID, ledger.ErrNotFound)
	}
	return err
}

func (t *pgTx) UpdateOrderState(ctx context.Context, orderID string, state models.PaymentState) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE orders SET state = $1, updated_at = NOW() WHERE order_id = $2",
		state, orderID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("order %s: %w", orderID, ledger.ErrNotFound)
	}
	return nil
}

func (t *pgTx) DetailTransactionIDs(ctx context.Context, orderID string) ([]string, error) {
	var ids []string
	err := t.tx.SelectContext(ctx, &ids,
		"SELECT transaction_id FROM provider_details WHERE order_id = $1", orderID)
	return ids, err
}

func (t *pgTx) InsertDetail(ctx context.Context, detail *models.ProviderDetail) error {
	query := `
		INSERT INTO provider_details
			(order_id, transaction_id, transaction_type, amount, amount_without_fee, transaction_date)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	err := t.tx.GetContext(ctx, detail, query,
		detail.OrderID, detail.TransactionID, detail.TransactionType, detail.Amount,
		detail.AmountWithoutFee, detail.TransactionDate)
	if isUniqueViolation(err) {
		return fmt.Errorf("detail %s/%s: %w", detail.OrderID, detail.TransactionID, ledger.ErrDuplicate)
	}
	return err
}

func (t *pgTx) InsertPayInfos(ctx context.Context, infos []models.ProviderPayInfo) error {
	for i := range infos {
		info := &infos[i]
		err := t.tx.GetContext(ctx, &info.ID, `
			INSERT INTO provider_pay_infos (order_id, method, masked_card, amount)
			VALUES ($1, $2, $3, $4)
			RETURNING id`,
			info.OrderID, info.Method, info.MaskedCard, info.Amount)
		if err != nil {
			return fmt.Errorf("failed to insert pay info: %w", err)
		}
	}
	return nil
}
