package stoploss

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"riskmanager/src/connectors"
	"riskmanager/src/model"
	"riskmanager/src/repository"
)

var testDBSeq int

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	testDBSeq++
	dsn := fmt.Sprintf("file:stoploss_%d?mode=memory&cache=shared", testDBSeq)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(&model.Position{}, &model.Exception{}))

	return db
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeGateway struct {
	prices map[string]decimal.Decimal
	err    error
}

func (g *fakeGateway) GetQuote(_ context.Context, symbol string) (*connectors.Quote, error) {
	if g.err != nil {
		return nil, g.err
	}
	price, ok := g.prices[symbol]
	if !ok {
		return nil, connectors.ErrQuoteUnavailable
	}
	return &connectors.Quote{Symbol: symbol, Price: price}, nil
}

func (g *fakeGateway) PlaceOrder(_ context.Context, _ connectors.OrderRequest) (*connectors.OrderResult, error) {
	return nil, errors.New("not used in stoploss tests")
}

type fakeResolver struct {
	gateway connectors.BrokerGateway
	err     error
}

func (r *fakeResolver) GatewayFor(_ context.Context, _ uint, _ string) (connectors.BrokerGateway, *model.BrokerCredential, error) {
	if r.err != nil {
		return nil, nil, r.err
	}
	return r.gateway, &model.BrokerCredential{}, nil
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []model.TradeEvent
}

func (p *capturingPublisher) Publish(_ uint, event model.TradeEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *capturingPublisher) byType(eventType string) []model.TradeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []model.TradeEvent
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type recordingSink struct {
	mu   sync.Mutex
	rows []model.Exception
}

func (s *recordingSink) Create(_ context.Context, exc *model.Exception) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, *exc)
	return nil
}

func newService(t *testing.T, db *gorm.DB, prices map[string]decimal.Decimal) (*Service, *capturingPublisher, *recordingSink) {
	t.Helper()

	pub := &capturingPublisher{}
	sink := &recordingSink{}
	resolver := &fakeResolver{gateway: &fakeGateway{prices: prices}}

	positions := (&repository.PositionRepository{}).WithDB(db)

	service := NewService(positions, resolver, pub, sink, Config{
		BasePercent:    5,
		TightPercent:   2,
		TightenTrigger: 3,
		TrailPercent:   1.5,
	}.Policy())

	return service, pub, sink
}

func seedPosition(t *testing.T, db *gorm.DB, position *model.Position) *model.Position {
	t.Helper()
	require.NoError(t, db.Create(position).Error)
	return position
}

func reload(t *testing.T, db *gorm.DB, id uint) model.Position {
	t.Helper()
	var position model.Position
	require.NoError(t, db.First(&position, id).Error)
	return position
}

func TestRefreshStopLossSetsInitialStop(t *testing.T) {
	db := newTestDB(t)
	service, pub, _ := newService(t, db, map[string]decimal.Decimal{"RELIANCE": d("100")})

	position := seedPosition(t, db, &model.Position{
		UserID: 1, BrokerName: "upstox", Symbol: "RELIANCE",
		TradeType: model.TradeTypeBuy, EntryPrice: d("100"),
		Quantity: d("10"), Status: model.PositionStatusOpen,
	})

	if err := service.RefreshStopLoss(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := reload(t, db, position.ID)
	if !got.StopLoss.Valid || !got.StopLoss.Decimal.Equal(d("95")) {
		t.Fatalf("expected stop_loss=95, got %+v", got.StopLoss)
	}
	if got.Status != model.PositionStatusOpen {
		t.Fatalf("position must stay open, got %s", got.Status)
	}
	if len(pub.byType(model.EventStopAdjusted)) != 1 {
		t.Fatalf("expected one stop_adjusted event")
	}
}

func TestRefreshStopLossClosesBreachedPosition(t *testing.T) {
	// BUY entry=100 qty=10, policy tightens to 95; market at 94 must
	// close the position instead of adjusting it further.
	db := newTestDB(t)
	service, pub, _ := newService(t, db, map[string]decimal.Decimal{"RELIANCE": d("94")})

	position := seedPosition(t, db, &model.Position{
		UserID: 1, BrokerName: "upstox", Symbol: "RELIANCE",
		TradeType: model.TradeTypeBuy, EntryPrice: d("100"),
		Quantity: d("10"), Status: model.PositionStatusOpen,
	})

	if err := service.RefreshStopLoss(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := reload(t, db, position.ID)
	if got.Status != model.PositionStatusClosed {
		t.Fatalf("expected CLOSED, got %s", got.Status)
	}
	if !got.ExitPrice.Valid || !got.ExitPrice.Decimal.Equal(d("94")) {
		t.Fatalf("expected exit price 94, got %+v", got.ExitPrice)
	}
	if got.CloseReason != closeReasonStopLoss {
		t.Fatalf("unexpected close reason %q", got.CloseReason)
	}
	if len(pub.byType(model.EventPositionClosed)) != 1 {
		t.Fatalf("expected one position_closed event")
	}

	// A closed position is terminal: further ticks never touch it.
	closedAt := got.ClosedAt
	if err := service.RefreshStopLoss(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := service.RefreshTrailingStop(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	again := reload(t, db, position.ID)
	if again.Status != model.PositionStatusClosed || !again.ClosedAt.Equal(*closedAt) {
		t.Fatalf("closed position was mutated by a later tick: %+v", again)
	}
	if again.TrailingStop.Valid {
		t.Fatalf("closed position gained a trailing stop: %+v", again.TrailingStop)
	}
}

func TestRefreshStopLossTightensOnGain(t *testing.T) {
	db := newTestDB(t)
	service, _, _ := newService(t, db, map[string]decimal.Decimal{"RELIANCE": d("104")})

	position := seedPosition(t, db, &model.Position{
		UserID: 1, BrokerName: "upstox", Symbol: "RELIANCE",
		TradeType: model.TradeTypeBuy, EntryPrice: d("100"),
		Quantity: d("10"), Status: model.PositionStatusOpen,
		StopLoss: decimal.NullDecimal{Decimal: d("95"), Valid: true},
	})

	if err := service.RefreshStopLoss(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := reload(t, db, position.ID)
	if !got.StopLoss.Decimal.Equal(d("98")) {
		t.Fatalf("expected tightened stop 98, got %s", got.StopLoss.Decimal)
	}
}

func TestRefreshStopLossNeverLoosens(t *testing.T) {
	db := newTestDB(t)
	service, _, _ := newService(t, db, map[string]decimal.Decimal{"RELIANCE": d("99")})

	position := seedPosition(t, db, &model.Position{
		UserID: 1, BrokerName: "upstox", Symbol: "RELIANCE",
		TradeType: model.TradeTypeBuy, EntryPrice: d("100"),
		Quantity: d("10"), Status: model.PositionStatusOpen,
		StopLoss: decimal.NullDecimal{Decimal: d("98"), Valid: true},
	})

	if err := service.RefreshStopLoss(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := reload(t, db, position.ID)
	if !got.StopLoss.Decimal.Equal(d("98")) {
		t.Fatalf("stop must not loosen, got %s", got.StopLoss.Decimal)
	}
	if got.Status != model.PositionStatusOpen {
		t.Fatalf("expected position to stay open, got %s", got.Status)
	}
}

func TestRefreshStopLossSkipsOnQuoteFailure(t *testing.T) {
	db := newTestDB(t)
	service, _, _ := newService(t, db, map[string]decimal.Decimal{})

	position := seedPosition(t, db, &model.Position{
		UserID: 1, BrokerName: "upstox", Symbol: "NOQUOTE",
		TradeType: model.TradeTypeBuy, EntryPrice: d("100"),
		Quantity: d("10"), Status: model.PositionStatusOpen,
	})

	if err := service.RefreshStopLoss(context.Background(), 1); err != nil {
		t.Fatalf("quote failure must not fail the user: %v", err)
	}

	got := reload(t, db, position.ID)
	if got.StopLoss.Valid {
		t.Fatalf("position must be untouched when the quote is missing")
	}
}

func TestRefreshStopLossReportsInvariantViolation(t *testing.T) {
	db := newTestDB(t)
	service, _, sink := newService(t, db, map[string]decimal.Decimal{"RELIANCE": d("100")})

	seedPosition(t, db, &model.Position{
		UserID: 1, BrokerName: "upstox", Symbol: "RELIANCE",
		TradeType: model.TradeTypeBuy, EntryPrice: d("100"),
		Quantity: d("0"), Status: model.PositionStatusOpen,
	})

	if err := service.RefreshStopLoss(context.Background(), 1); err != nil {
		t.Fatalf("invariant violation must not fail the user: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.rows) != 1 {
		t.Fatalf("expected one persisted exception, got %d", len(sink.rows))
	}
}

func TestRefreshTrailingStopRatchetAndBreach(t *testing.T) {
	db := newTestDB(t)

	position := &model.Position{
		UserID: 2, BrokerName: "upstox", Symbol: "TCS",
		TradeType: model.TradeTypeBuy, EntryPrice: d("100"),
		Quantity: d("4"), Status: model.PositionStatusOpen,
	}

	// Favorable move: trailing stop initialized 1.5% under market.
	service, _, _ := newService(t, db, map[string]decimal.Decimal{"TCS": d("110")})
	seedPosition(t, db, position)

	if err := service.RefreshTrailingStop(context.Background(), 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := reload(t, db, position.ID)
	if !got.TrailingStop.Valid || !got.TrailingStop.Decimal.Equal(d("108.35")) {
		t.Fatalf("expected trailing stop 108.35, got %+v", got.TrailingStop)
	}

	// Mild pullback: stop holds, position stays open.
	service, _, _ = newService(t, db, map[string]decimal.Decimal{"TCS": d("109")})
	if err := service.RefreshTrailingStop(context.Background(), 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got = reload(t, db, position.ID)
	if !got.TrailingStop.Decimal.Equal(d("108.35")) {
		t.Fatalf("trailing stop must hold on pullback, got %s", got.TrailingStop.Decimal)
	}
	if got.Status != model.PositionStatusOpen {
		t.Fatalf("expected OPEN, got %s", got.Status)
	}

	// Breach: price falls through the ratcheted stop.
	service, pub, _ := newService(t, db, map[string]decimal.Decimal{"TCS": d("104")})
	if err := service.RefreshTrailingStop(context.Background(), 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got = reload(t, db, position.ID)
	if got.Status != model.PositionStatusClosed {
		t.Fatalf("expected CLOSED after breach, got %s", got.Status)
	}
	if got.CloseReason != closeReasonTrailingStop {
		t.Fatalf("unexpected close reason %q", got.CloseReason)
	}
	if len(pub.byType(model.EventPositionClosed)) != 1 {
		t.Fatalf("expected one position_closed event")
	}
}

func TestRefreshTrailingStopShortRatchetsDown(t *testing.T) {
	db := newTestDB(t)
	service, _, _ := newService(t, db, map[string]decimal.Decimal{"INFY": d("90")})

	position := seedPosition(t, db, &model.Position{
		UserID: 3, BrokerName: "dhan", Symbol: "INFY",
		TradeType: model.TradeTypeSell, EntryPrice: d("100"),
		Quantity: d("2"), Status: model.PositionStatusOpen,
		TrailingStop: decimal.NullDecimal{Decimal: d("95"), Valid: true},
	})

	if err := service.RefreshTrailingStop(context.Background(), 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := reload(t, db, position.ID)
	if !got.TrailingStop.Decimal.Equal(d("91.35")) {
		t.Fatalf("expected trailing stop 91.35, got %s", got.TrailingStop.Decimal)
	}
}
