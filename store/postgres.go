// Package store provides the durable and in-memory implementations of the
// payment and order stores.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"gitlab.com/slashpay/slashpay/amount"
	"gitlab.com/slashpay/slashpay/build"
	"gitlab.com/slashpay/slashpay/db"
	"gitlab.com/slashpay/slashpay/orders"
	"gitlab.com/slashpay/slashpay/payments"
)

var log = build.AddSubLogger("STOR")

// uniqueViolation is the Postgres error code for duplicate primary keys.
const uniqueViolation = "23505"

// Postgres persists orders and payments in a Postgres database.
type Postgres struct {
	db    *db.DB
	ready bool
}

var _ orders.Store = (*Postgres)(nil)

// NewPostgres wraps an open database connection. Init must be called before
// the store accepts operations.
func NewPostgres(database *db.DB) *Postgres {
	return &Postgres{db: database}
}

// Init applies pending migrations and marks the store ready.
func (s *Postgres) Init(ctx context.Context) error {
	if err := s.db.MigrateUp(); err != nil {
		return errors.Wrap(err, "could not migrate store schema")
	}
	s.ready = true
	log.Info("Store is ready")
	return nil
}

func (s *Postgres) checkReady() error {
	if !s.ready {
		return payments.ErrStoreNotReady
	}
	return nil
}

func wrapSaveErr(err error, kind, id string) error {
	if pqErr, ok := errors.Cause(err).(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
		return errors.Wrapf(payments.ErrDuplicateID, "%s %s", kind, id)
	}
	return errors.Wrapf(err, "could not insert %s %s", kind, id)
}

// removedClause appends the tombstone condition for the given filter.
func removedClause(filter payments.RemovedFilter) string {
	switch filter {
	case payments.RemovedOnly:
		return " AND removed = true"
	case payments.RemovedAny:
		return ""
	default:
		return " AND removed = false"
	}
}

// orderRow is the flat database form of an order.
type orderRow struct {
	ID              string         `db:"id"`
	ClientOrderID   string         `db:"client_order_id"`
	State           string         `db:"state"`
	Frequency       int64          `db:"frequency"`
	Amount          string         `db:"amount"`
	Currency        string         `db:"currency"`
	Denomination    string         `db:"denomination"`
	CounterpartyURL string         `db:"counterparty_url"`
	Memo            string         `db:"memo"`
	SendingPriority pq.StringArray `db:"sending_priority"`
	CreatedAt       time.Time      `db:"created_at"`
	FirstPaymentAt  time.Time      `db:"first_payment_at"`
	LastPaymentAt   *time.Time     `db:"last_payment_at"`
	Removed         bool           `db:"removed"`
}

func toOrderRow(o *orders.Order) orderRow {
	return orderRow{
		ID:              o.ID,
		ClientOrderID:   o.ClientOrderID,
		State:           string(o.State),
		Frequency:       o.Frequency,
		Amount:          o.Amount.Amount,
		Currency:        o.Amount.Currency,
		Denomination:    string(o.Amount.Denomination),
		CounterpartyURL: o.CounterpartyURL,
		Memo:            o.Memo,
		SendingPriority: o.SendingPriority,
		CreatedAt:       o.CreatedAt,
		FirstPaymentAt:  o.FirstPaymentAt,
		LastPaymentAt:   o.LastPaymentAt,
		Removed:         o.Removed,
	}
}

func (r orderRow) toOrder() *orders.Order {
	return &orders.Order{
		ID:            r.ID,
		ClientOrderID: r.ClientOrderID,
		State:         orders.State(r.State),
		Frequency:     r.Frequency,
		Amount: amount.Amount{
			Amount:       r.Amount,
			Currency:     r.Currency,
			Denomination: amount.Denomination(r.Denomination),
		},
		CounterpartyURL: r.CounterpartyURL,
		Memo:            r.Memo,
		SendingPriority: r.SendingPriority,
		CreatedAt:       r.CreatedAt,
		FirstPaymentAt:  r.FirstPaymentAt,
		LastPaymentAt:   r.LastPaymentAt,
		Removed:         r.Removed,
	}
}

// SaveOrder inserts a new order row.
func (s *Postgres) SaveOrder(ctx context.Context, o *orders.Order) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	const query = `INSERT INTO payment_orders
		(id, client_order_id, state, frequency, amount, currency,
		 denomination, counterparty_url, memo, sending_priority,
		 created_at, first_payment_at, last_payment_at, removed)
	VALUES
		(:id, :client_order_id, :state, :frequency, :amount, :currency,
		 :denomination, :counterparty_url, :memo, :sending_priority,
		 :created_at, :first_payment_at, :last_payment_at, :removed)`
	if _, err := s.db.NamedExecContext(ctx, query, toOrderRow(o)); err != nil {
		return wrapSaveErr(err, "order", o.ID)
	}
	return nil
}

// GetOrder fetches one order by id.
func (s *Postgres) GetOrder(ctx context.Context, id string, removed payments.RemovedFilter) (*orders.Order, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	query := "SELECT * FROM payment_orders WHERE id = $1" + removedClause(removed)
	var row orderRow
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(payments.ErrNotFound, "order %s", id)
		}
		return nil, errors.Wrapf(err, "could not get order %s", id)
	}
	return row.toOrder(), nil
}

// orderColumns maps patch fields onto order columns.
var orderColumns = map[string]string{
	"state":         "state",
	"memo":          "memo",
	"lastPaymentAt": "last_payment_at",
	"removed":       "removed",
}

// UpdateOrder applies a merge patch and returns the updated order.
func (s *Postgres) UpdateOrder(ctx context.Context, id string, patch payments.Patch) (*orders.Order, error) {
	if err := orders.ValidateOrderPatch(patch); err != nil {
		return nil, err
	}
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	query, args := buildUpdate("payment_orders", id, patch, orderColumns, nil)
	var row orderRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(payments.ErrNotFound, "order %s", id)
		}
		return nil, errors.Wrapf(err, "could not update order %s", id)
	}
	return row.toOrder(), nil
}

// outgoingRow is the flat database form of an outgoing payment.
type outgoingRow struct {
	ID              string          `db:"id"`
	OrderID         string          `db:"order_id"`
	ClientOrderID   string          `db:"client_order_id"`
	CounterpartyURL string          `db:"counterparty_url"`
	Memo            string          `db:"memo"`
	SendingPriority pq.StringArray  `db:"sending_priority"`
	Amount          string          `db:"amount"`
	Currency        string          `db:"currency"`
	Denomination    string          `db:"denomination"`
	Direction       string          `db:"direction"`
	CreatedAt       time.Time       `db:"created_at"`
	ExecuteAt       time.Time       `db:"execute_at"`
	State           payments.State  `db:"state"`
	PluginUpdate    json.RawMessage `db:"plugin_update"`
	Removed         bool            `db:"removed"`
}

func toOutgoingRow(p *payments.Payment) outgoingRow {
	return outgoingRow{
		ID:              p.ID,
		OrderID:         p.OrderID,
		ClientOrderID:   p.ClientOrderID,
		CounterpartyURL: p.CounterpartyURL,
		Memo:            p.Memo,
		SendingPriority: p.SendingPriority,
		Amount:          p.Amount.Amount,
		Currency:        p.Amount.Currency,
		Denomination:    string(p.Amount.Denomination),
		Direction:       string(p.Direction),
		CreatedAt:       p.CreatedAt,
		ExecuteAt:       p.ExecuteAt,
		State:           p.State,
		PluginUpdate:    p.PluginUpdate,
		Removed:         p.Removed,
	}
}

func (r outgoingRow) toPayment() *payments.Payment {
	return &payments.Payment{
		ID:              r.ID,
		OrderID:         r.OrderID,
		ClientOrderID:   r.ClientOrderID,
		CounterpartyURL: r.CounterpartyURL,
		Memo:            r.Memo,
		SendingPriority: r.SendingPriority,
		Amount: amount.Amount{
			Amount:       r.Amount,
			Currency:     r.Currency,
			Denomination: amount.Denomination(r.Denomination),
		},
		Direction:    payments.Direction(r.Direction),
		CreatedAt:    r.CreatedAt,
		ExecuteAt:    r.ExecuteAt,
		State:        r.State,
		PluginUpdate: r.PluginUpdate,
		Removed:      r.Removed,
	}
}

// SaveOutgoing inserts a new outgoing payment row.
func (s *Postgres) SaveOutgoing(ctx context.Context, p *payments.Payment) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	const query = `INSERT INTO outgoing_payments
		(id, order_id, client_order_id, counterparty_url, memo,
		 sending_priority, amount, currency, denomination, direction,
		 created_at, execute_at, state, plugin_update, removed)
	VALUES
		(:id, :order_id, :client_order_id, :counterparty_url, :memo,
		 :sending_priority, :amount, :currency, :denomination, :direction,
		 :created_at, :execute_at, :state, :plugin_update, :removed)`
	if _, err := s.db.NamedExecContext(ctx, query, toOutgoingRow(p)); err != nil {
		return wrapSaveErr(err, "payment", p.ID)
	}
	return nil
}

// GetOutgoing fetches one outgoing payment by id.
func (s *Postgres) GetOutgoing(ctx context.Context, id string, removed payments.RemovedFilter) (*payments.Payment, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	query := "SELECT * FROM outgoing_payments WHERE id = $1" + removedClause(removed)
	var row outgoingRow
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(payments.ErrNotFound, "payment %s", id)
		}
		return nil, errors.Wrapf(err, "could not get payment %s", id)
	}
	return row.toPayment(), nil
}

// outgoingColumns maps patch fields onto outgoing payment columns.
var outgoingColumns = map[string]string{
	"memo":         "memo",
	"executeAt":    "execute_at",
	"state":        "state",
	"removed":      "removed",
	"pluginUpdate": "plugin_update",
}

// UpdateOutgoing applies a merge patch and returns the updated payment.
func (s *Postgres) UpdateOutgoing(ctx context.Context, id string, patch payments.Patch) (*payments.Payment, error) {
	if err := payments.ValidateOutgoingPatch(patch); err != nil {
		return nil, err
	}
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	query, args := buildUpdate("outgoing_payments", id, patch, outgoingColumns, outgoingValue)
	var row outgoingRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(payments.ErrNotFound, "payment %s", id)
		}
		return nil, errors.Wrapf(err, "could not update payment %s", id)
	}
	return row.toPayment(), nil
}

// outgoingValue converts patch values the driver can't take directly.
func outgoingValue(field string, value interface{}) interface{} {
	switch field {
	case "pluginUpdate":
		switch v := value.(type) {
		case nil:
			return nil
		case json.RawMessage:
			return []byte(v)
		}
	}
	return value
}

// ListOutgoing lists outgoing payments matching the filter, ordered by
// execution time.
func (s *Postgres) ListOutgoing(ctx context.Context, filter payments.Filter) ([]*payments.Payment, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	query := "SELECT * FROM outgoing_payments WHERE true" + removedClause(filter.Removed)
	var args []interface{}
	if filter.OrderID != "" {
		args = append(args, filter.OrderID)
		query += fmt.Sprintf(" AND order_id = $%d", len(args))
	}
	if filter.ClientOrderID != "" {
		args = append(args, filter.ClientOrderID)
		query += fmt.Sprintf(" AND client_order_id = $%d", len(args))
	}
	query += " ORDER BY execute_at"

	var rows []outgoingRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "could not list payments")
	}
	out := make([]*payments.Payment, len(rows))
	for i, row := range rows {
		out[i] = row.toPayment()
	}
	return out, nil
}

// incomingRow is the flat database form of an incoming payment.
type incomingRow struct {
	ID                   string            `db:"id"`
	ClientOrderID        string            `db:"client_order_id"`
	Memo                 string            `db:"memo"`
	Amount               sql.NullString    `db:"amount"`
	Currency             sql.NullString    `db:"currency"`
	Denomination         sql.NullString    `db:"denomination"`
	ExpectedAmount       sql.NullString    `db:"expected_amount"`
	ExpectedCurrency     sql.NullString    `db:"expected_currency"`
	ExpectedDenomination sql.NullString    `db:"expected_denomination"`
	Direction            string            `db:"direction"`
	InternalState        string            `db:"internal_state"`
	Receipts             payments.Receipts `db:"received_by_plugins"`
	CreatedAt            time.Time         `db:"created_at"`
	Removed              bool              `db:"removed"`
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}

func toIncomingRow(p *payments.IncomingPayment) incomingRow {
	row := incomingRow{
		ID:            p.ID,
		ClientOrderID: p.ClientOrderID,
		Memo:          p.Memo,
		Direction:     string(p.Direction),
		InternalState: string(p.Internal),
		Receipts:      p.Receipts,
		CreatedAt:     p.CreatedAt,
		Removed:       p.Removed,
	}
	if p.Amount != nil {
		row.Amount = nullString(p.Amount.Amount)
		row.Currency = nullString(p.Amount.Currency)
		row.Denomination = nullString(string(p.Amount.Denomination))
	}
	if p.Expected != nil {
		row.ExpectedAmount = nullString(p.Expected.Amount)
		row.ExpectedCurrency = nullString(p.Expected.Currency)
		row.ExpectedDenomination = nullString(string(p.Expected.Denomination))
	}
	return row
}

func nullAmount(value, currency, denomination sql.NullString) *amount.Amount {
	if !value.Valid {
		return nil
	}
	return &amount.Amount{
		Amount:       value.String,
		Currency:     currency.String,
		Denomination: amount.Denomination(denomination.String),
	}
}

func (r incomingRow) toIncoming() *payments.IncomingPayment {
	return &payments.IncomingPayment{
		ID:            r.ID,
		ClientOrderID: r.ClientOrderID,
		Memo:          r.Memo,
		Amount:        nullAmount(r.Amount, r.Currency, r.Denomination),
		Expected:      nullAmount(r.ExpectedAmount, r.ExpectedCurrency, r.ExpectedDenomination),
		Direction:     payments.Direction(r.Direction),
		Internal:      payments.InternalState(r.InternalState),
		Receipts:      r.Receipts,
		CreatedAt:     r.CreatedAt,
		Removed:       r.Removed,
	}
}

// SaveIncoming inserts a new incoming payment row.
func (s *Postgres) SaveIncoming(ctx context.Context, p *payments.IncomingPayment) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	const query = `INSERT INTO incoming_payments
		(id, client_order_id, memo, amount, currency, denomination,
		 expected_amount, expected_currency, expected_denomination,
		 direction, internal_state, received_by_plugins, created_at, removed)
	VALUES
		(:id, :client_order_id, :memo, :amount, :currency, :denomination,
		 :expected_amount, :expected_currency, :expected_denomination,
		 :direction, :internal_state, :received_by_plugins, :created_at, :removed)`
	if _, err := s.db.NamedExecContext(ctx, query, toIncomingRow(p)); err != nil {
		return wrapSaveErr(err, "incoming payment", p.ID)
	}
	return nil
}

// GetIncoming fetches one incoming payment by id.
func (s *Postgres) GetIncoming(ctx context.Context, id string, removed payments.RemovedFilter) (*payments.IncomingPayment, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	query := "SELECT * FROM incoming_payments WHERE id = $1" + removedClause(removed)
	var row incomingRow
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(payments.ErrNotFound, "incoming payment %s", id)
		}
		return nil, errors.Wrapf(err, "could not get incoming payment %s", id)
	}
	return row.toIncoming(), nil
}

// incomingColumns maps patch fields onto incoming payment columns.
var incomingColumns = map[string]string{
	"internalState":     "internal_state",
	"receivedByPlugins": "received_by_plugins",
	"removed":           "removed",
	"amount":            "amount",
	"currency":          "currency",
	"denomination":      "denomination",
	"memo":              "memo",
}

// UpdateIncoming applies a merge patch and returns the updated payment.
func (s *Postgres) UpdateIncoming(ctx context.Context, id string, patch payments.Patch) (*payments.IncomingPayment, error) {
	if err := payments.ValidateIncomingPatch(patch); err != nil {
		return nil, err
	}
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	query, args := buildUpdate("incoming_payments", id, patch, incomingColumns, nil)
	var row incomingRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(payments.ErrNotFound, "incoming payment %s", id)
		}
		return nil, errors.Wrapf(err, "could not update incoming payment %s", id)
	}
	return row.toIncoming(), nil
}

// ListIncoming lists incoming payments matching the filter, newest first.
func (s *Postgres) ListIncoming(ctx context.Context, filter payments.Filter) ([]*payments.IncomingPayment, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	query := "SELECT * FROM incoming_payments WHERE true" + removedClause(filter.Removed)
	var args []interface{}
	if filter.ClientOrderID != "" {
		args = append(args, filter.ClientOrderID)
		query += fmt.Sprintf(" AND client_order_id = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"

	var rows []incomingRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "could not list incoming payments")
	}
	out := make([]*payments.IncomingPayment, len(rows))
	for i, row := range rows {
		out[i] = row.toIncoming()
	}
	return out, nil
}

// buildUpdate builds an UPDATE ... RETURNING * statement from a validated
// patch. Patch keys are iterated in sorted order so the statement is stable.
func buildUpdate(table, id string, patch payments.Patch, columns map[string]string,
	convert func(field string, value interface{}) interface{}) (string, []interface{}) {

	fields := make([]string, 0, len(patch))
	for field := range patch {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	sets := make([]string, 0, len(fields))
	args := make([]interface{}, 0, len(fields)+1)
	for _, field := range fields {
		value := patch[field]
		if convert != nil {
			value = convert(field, value)
		}
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", columns[field], len(args)))
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d RETURNING *",
		table, strings.Join(sets, ", "), len(args))
	return query, args
}
