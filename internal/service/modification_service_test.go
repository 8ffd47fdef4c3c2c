package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prenotazioni/internal/db"
	"prenotazioni/internal/entities"
	apperrors "prenotazioni/internal/errors"
)

// --- extra read methods so the slot fake can serve the coordinator ---

func (f *fakeSlotStore) ListForTableDate(ctx context.Context, tableID int64, date time.Time) ([]db.Slot, error) {
	var out []db.Slot
	for _, s := range f.slots {
		if s.TableID == tableID && s.Date.Equal(date) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeSlotStore) ListForRestaurantDate(ctx context.Context, restaurantID int64, date time.Time) ([]db.Slot, error) {
	var out []db.Slot
	for _, s := range f.slots {
		if s.RestaurantID == restaurantID && s.Date.Equal(date) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeSlotStore) ReleaseMany(ctx context.Context, slotIDs []int64) error {
	for _, id := range slotIDs {
		_ = f.Release(context.Background(), id)
	}
	return nil
}

// --- modification store fake ---

type fakeModStore struct {
	mu       sync.Mutex
	mods     map[string]*db.ModificationRequest
	resv     map[int64]*db.Reservation
	comps    []*db.Compensation
	history  []db.StatusHistory
	nextComp int64
	seq      int
}

func newFakeModStore() *fakeModStore {
	return &fakeModStore{mods: map[string]*db.ModificationRequest{}, resv: map[int64]*db.Reservation{}}
}

func (f *fakeModStore) Create(ctx context.Context, m *db.ModificationRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	m.ID = fmt.Sprintf("mod-%d", f.seq)
	m.Status = db.ModPending
	cp := *m
	f.mods[m.ID] = &cp
	return nil
}

func (f *fakeModStore) GetByID(ctx context.Context, id string) (*db.ModificationRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.mods[id]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeModStore) GetByStripeSession(ctx context.Context, sessionID string) (*db.ModificationRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.mods {
		if m.StripeSessionID == sessionID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeModStore) TransitionStatus(ctx context.Context, id, from, to, reason, actor string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.mods[id]
	if !ok || m.Status != from {
		return false, nil
	}
	m.Status = to
	f.history = append(f.history, db.StatusHistory{
		ModificationID: id, PreviousStatus: from, NewStatus: to, Reason: reason, Actor: actor,
	})
	return true, nil
}

func (f *fakeModStore) SetPricing(ctx context.Context, id string, priceDifference, additionalPayment, refund int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.mods[id]
	m.PriceDifference = priceDifference
	m.AdditionalPaymentRequired = additionalPayment
	m.RefundRequired = refund
	return nil
}

func (f *fakeModStore) SetSeatMovement(ctx context.Context, id string, released, reserved int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.mods[id]
	m.SeatsReleased = released
	m.SeatsReserved = reserved
	return nil
}

func (f *fakeModStore) SetResolvedAssignment(ctx context.Context, id string, tableID, sectionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.mods[id]
	m.NewTableID = &tableID
	m.NewSectionID = &sectionID
	return nil
}

func (f *fakeModStore) SetStripeSession(ctx context.Context, id, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mods[id].StripeSessionID = sessionID
	return nil
}

func (f *fakeModStore) AddCompensation(ctx context.Context, modificationID, kind string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextComp++
	f.comps = append(f.comps, &db.Compensation{
		ID: f.nextComp, ModificationID: modificationID, Kind: kind, Payload: payload,
	})
	return nil
}

func (f *fakeModStore) PendingCompensations(ctx context.Context, modificationID string) ([]db.Compensation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.Compensation
	for i := len(f.comps) - 1; i >= 0; i-- { // newest first
		c := f.comps[i]
		if c.ModificationID == modificationID && !c.Applied {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeModStore) MarkCompensationApplied(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.comps {
		if c.ID == id {
			c.Applied = true
		}
	}
	return nil
}

func (f *fakeModStore) ClearCompensations(ctx context.Context, modificationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.comps[:0]
	for _, c := range f.comps {
		if c.ModificationID != modificationID {
			kept = append(kept, c)
		}
	}
	f.comps = kept
	return nil
}

func (f *fakeModStore) StalledRequests(ctx context.Context, before time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id, m := range f.mods {
		if m.Status == db.ModProcessing {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeModStore) GetReservationByCode(ctx context.Context, code string) (*db.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.resv {
		if r.Code == code {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeModStore) GetReservationByID(ctx context.Context, id int64) (*db.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.resv[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeModStore) ApplyReservationChanges(ctx context.Context, m *db.ModificationRequest, updated *db.Reservation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *updated
	f.resv[updated.ID] = &cp
	return nil
}

// --- directory fake ---

type fakeDirectory struct {
	restaurants map[int64]*db.Restaurant
	tables      map[int64]*db.Table
	sections    map[int64]*db.Section
	meals       map[int64]*db.MealService
	policies    map[int64]*db.RefundPolicy // by meal service
}

func (f *fakeDirectory) GetRestaurant(ctx context.Context, id int64) (*db.Restaurant, error) {
	return f.restaurants[id], nil
}
func (f *fakeDirectory) GetTable(ctx context.Context, id int64) (*db.Table, error) {
	return f.tables[id], nil
}
func (f *fakeDirectory) GetSection(ctx context.Context, id int64) (*db.Section, error) {
	return f.sections[id], nil
}
func (f *fakeDirectory) GetMealService(ctx context.Context, id int64) (*db.MealService, error) {
	return f.meals[id], nil
}
func (f *fakeDirectory) GetRefundPolicy(ctx context.Context, restaurantID, mealServiceID int64) (*db.RefundPolicy, error) {
	return f.policies[mealServiceID], nil
}

// --- collaborator stubs ---

type stubPricer struct {
	amount      int64
	validateErr error
	gotPromo    string
}

func (p *stubPricer) ComputePrice(ctx context.Context, mealService *db.MealService, partySize int, promoCode string) (*PriceQuote, error) {
	p.gotPromo = promoCode
	return &PriceQuote{AmountCents: p.amount}, nil
}
func (p *stubPricer) ValidatePromoCode(ctx context.Context, code string, partySize int, date time.Time) error {
	return p.validateErr
}

type fakeGateway struct {
	failCheckout bool
	checkouts    int
	sessions     []string
	refunds      map[string]int64
}

func (g *fakeGateway) CreateCheckoutSession(ctx context.Context, amountCents int64, currency, description, customerEmail string) (string, string, error) {
	if g.failCheckout {
		return "", "", fmt.Errorf("gateway down")
	}
	g.checkouts++
	id := fmt.Sprintf("cs_%d", g.checkouts)
	g.sessions = append(g.sessions, id)
	return "https://pay.example/" + id, id, nil
}

func (g *fakeGateway) RefundBySession(ctx context.Context, sessionID string, amountCents int64) error {
	if g.refunds == nil {
		g.refunds = map[string]int64{}
	}
	g.refunds[sessionID] += amountCents
	return nil
}

type stubFinder struct {
	table *db.Table
	err   error
}

func (s stubFinder) Find(ctx context.Context, p FindParams) (*db.Table, error) {
	return s.table, s.err
}

type recordingNotifier struct {
	completed []string
}

func (n *recordingNotifier) ModificationCompleted(ctx context.Context, res *db.Reservation, m *db.ModificationRequest) {
	n.completed = append(n.completed, m.ID)
}

type invalidation struct {
	restaurantID int64
	tableID      int64
	sectionID    int64
	date         time.Time
}

type recordingInvalidator struct {
	calls []invalidation
}

func (r *recordingInvalidator) InvalidateSlot(ctx context.Context, restaurantID, tableID, sectionID int64, date time.Time) {
	r.calls = append(r.calls, invalidation{restaurantID, tableID, sectionID, date})
}

// --- fixture ---

type modFixture struct {
	store     *fakeModStore
	slots     *fakeSlotStore
	capacity  *fakeCapacityStore
	sets      *fakeTableSetStore
	gateway   *fakeGateway
	notifier  *recordingNotifier
	directory *fakeDirectory
	pricer    *stubPricer
	cache     *recordingInvalidator
	svc       *ModificationService
}

var fixtureDate = time.Date(2027, 5, 20, 0, 0, 0, 0, time.UTC)

func fixtureTime(hour, min int) time.Time {
	return time.Date(2027, 5, 20, hour, min, 0, 0, time.UTC)
}

func newModFixture(priced int64) *modFixture {
	store := newFakeModStore()
	slots := newFakeSlotStore()
	capacity := newFakeCapacityStore()
	sets := &fakeTableSetStore{sets: map[int64]*db.TableSet{}}
	gateway := &fakeGateway{}
	notifier := &recordingNotifier{}

	tableID := int64(4)
	sectionID := int64(2)
	directory := &fakeDirectory{
		restaurants: map[int64]*db.Restaurant{1: {ID: 1, Name: "Osteria", Capacity: 120, DwellMinutes: 90}},
		tables: map[int64]*db.Table{
			4: {ID: 4, SectionID: 2, Seats: 4, IsActive: true},
			5: {ID: 5, SectionID: 2, Seats: 6, IsActive: true},
		},
		sections: map[int64]*db.Section{2: {ID: 2, RestaurantID: 1, Name: "Terrace"}},
		meals: map[int64]*db.MealService{
			3: {ID: 3, RestaurantID: 1, Name: "Dinner Buffet", StartTime: "19:00", EndTime: "22:00", IsBuffet: true},
			7: {ID: 7, RestaurantID: 1, Name: "A la carte", StartTime: "19:00", EndTime: "22:00"},
		},
		policies: map[int64]*db.RefundPolicy{},
	}

	store.resv[1] = &db.Reservation{
		ID: 1, Code: "R-100", RestaurantID: 1,
		CustomerName: "Ada", CustomerEmail: "ada@example.com",
		Date: fixtureDate, StartTime: fixtureTime(19, 0), EndTime: fixtureTime(21, 0),
		PartySize: 4, MealServiceID: 3, Status: db.ResConfirmed,
		AmountCents: 18000, StripeSessionID: "cs_orig",
	}
	store.resv[2] = &db.Reservation{
		ID: 2, Code: "R-200", RestaurantID: 1,
		CustomerName: "Ben", CustomerEmail: "ben@example.com",
		Date: fixtureDate, StartTime: fixtureTime(19, 0), EndTime: fixtureTime(21, 0),
		PartySize: 4, MealServiceID: 7, TableID: &tableID, SectionID: &sectionID,
		Status: db.ResConfirmed, AmountCents: 18000, StripeSessionID: "cs_orig",
	}

	restaurants := &fakeRestaurantReader{restaurant: directory.restaurants[1]}
	capacitySvc := NewCapacityService(capacity, restaurants)
	holds := NewHoldService(slots, NewConflictDetector(slots))
	tableSets := NewTableSetService(sets, slots)
	pricer := &stubPricer{amount: priced}
	cache := &recordingInvalidator{}

	svc := NewModificationService(
		store, directory, capacitySvc, holds, slots,
		tableSets, stubFinder{}, pricer, gateway, notifier, cache)

	return &modFixture{
		store: store, slots: slots, capacity: capacity, sets: sets,
		gateway: gateway, notifier: notifier, directory: directory,
		pricer: pricer, cache: cache, svc: svc,
	}
}

func (fx *modFixture) seedBuffetSeats(n int) {
	_, _ = fx.capacity.Adjust(context.Background(), 1, 3, fixtureDate, n, 120)
}

func (fx *modFixture) booked(mealID int64, date time.Time) int {
	rec, _ := fx.capacity.Get(context.Background(), 1, mealID, date)
	if rec == nil {
		return 0
	}
	return rec.BookedSeats
}

// --- validation ---

func TestModifyUnknownReservation(t *testing.T) {
	fx := newModFixture(18000)
	_, err := fx.svc.Modify(context.Background(), &entities.ModificationRequest{
		ReservationCode: "R-404", RequestedBy: "customer",
	})
	var nf *apperrors.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestModifyCancelledReservation(t *testing.T) {
	fx := newModFixture(18000)
	fx.store.resv[1].Status = db.ResCancelled
	n := 6
	_, err := fx.svc.Modify(context.Background(), &entities.ModificationRequest{
		ReservationCode: "R-100", NewPartySize: &n,
	})
	var is *apperrors.InvalidStateError
	assert.ErrorAs(t, err, &is)
}

func TestModifyNoChange(t *testing.T) {
	fx := newModFixture(18000)
	same := 4
	_, err := fx.svc.Modify(context.Background(), &entities.ModificationRequest{
		ReservationCode: "R-100", NewPartySize: &same,
	})
	assert.ErrorIs(t, err, apperrors.ErrNoChange)
}

func TestModifyRejectedAfterRefundWindowCloses(t *testing.T) {
	fx := newModFixture(18000)
	// 100000 minutes puts the cutoff weeks before any near-term date.
	fx.directory.policies[3] = &db.RefundPolicy{MealServiceID: 3, FullRefundBeforeMinutes: 100000}
	fx.store.resv[1].Date = time.Now().UTC().Add(2 * time.Hour)

	n := 6
	_, err := fx.svc.Modify(context.Background(), &entities.ModificationRequest{
		ReservationCode: "R-100", NewPartySize: &n,
	})
	var is *apperrors.InvalidStateError
	assert.ErrorAs(t, err, &is)
}

// --- buffet path ---

func TestBuffetPartyDecreaseRefundsAndCompletes(t *testing.T) {
	fx := newModFixture(13500) // 4 -> 3 heads
	fx.seedBuffetSeats(4)

	n := 3
	result, err := fx.svc.Modify(context.Background(), &entities.ModificationRequest{
		ReservationCode: "R-100", NewPartySize: &n,
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, db.ModCompleted, result.Status)
	assert.True(t, result.RequiresRefund)
	assert.Equal(t, int64(4500), result.RefundAmount)
	assert.Equal(t, int64(4500), fx.gateway.refunds["cs_orig"])

	assert.Equal(t, 3, fx.booked(3, fixtureDate))
	res, _ := fx.store.GetReservationByID(context.Background(), 1)
	assert.Equal(t, 3, res.PartySize)
	assert.Equal(t, int64(13500), res.AmountCents)
	assert.Len(t, fx.notifier.completed, 1)
}

func TestBuffetPartyIncreaseParksForPayment(t *testing.T) {
	fx := newModFixture(27000) // 4 -> 6 heads
	fx.seedBuffetSeats(4)

	n := 6
	result, err := fx.svc.Modify(context.Background(), &entities.ModificationRequest{
		ReservationCode: "R-100", NewPartySize: &n,
	})
	require.NoError(t, err)

	assert.True(t, result.RequiresPayment)
	assert.Equal(t, db.ModPaymentPending, result.Status)
	assert.Equal(t, int64(9000), result.PaymentAmount)
	assert.Contains(t, result.PaymentURL, "cs_1")

	// Seats move before payment; the reservation fields do not.
	assert.Equal(t, 6, fx.booked(3, fixtureDate))
	res, _ := fx.store.GetReservationByID(context.Background(), 1)
	assert.Equal(t, 4, res.PartySize)
	assert.Empty(t, fx.notifier.completed)
}

func TestResumeAfterPaymentCompletes(t *testing.T) {
	fx := newModFixture(27000)
	fx.seedBuffetSeats(4)

	n := 6
	result, err := fx.svc.Modify(context.Background(), &entities.ModificationRequest{
		ReservationCode: "R-100", NewPartySize: &n,
	})
	require.NoError(t, err)
	require.Equal(t, db.ModPaymentPending, result.Status)

	require.NoError(t, fx.svc.ResumeAfterPayment(context.Background(), "cs_1"))

	m, _ := fx.store.GetByID(context.Background(), result.ModificationID)
	assert.Equal(t, db.ModCompleted, m.Status)
	res, _ := fx.store.GetReservationByID(context.Background(), 1)
	assert.Equal(t, 6, res.PartySize)
	assert.Equal(t, int64(27000), res.AmountCents)
	assert.Equal(t, 6, fx.booked(3, fixtureDate), "the seat movement is not applied twice")
	assert.Len(t, fx.notifier.completed, 1)
}

func TestDuplicatePaymentWebhookIsIgnored(t *testing.T) {
	fx := newModFixture(27000)
	fx.seedBuffetSeats(4)

	n := 6
	_, err := fx.svc.Modify(context.Background(), &entities.ModificationRequest{
		ReservationCode: "R-100", NewPartySize: &n,
	})
	require.NoError(t, err)

	require.NoError(t, fx.svc.ResumeAfterPayment(context.Background(), "cs_1"))
	require.NoError(t, fx.svc.ResumeAfterPayment(context.Background(), "cs_1"))

	assert.Equal(t, 6, fx.booked(3, fixtureDate))
	assert.Len(t, fx.notifier.completed, 1)
}

func TestPaymentFailureUnwindsSeats(t *testing.T) {
	fx := newModFixture(27000)
	fx.seedBuffetSeats(4)

	n := 6
	result, err := fx.svc.Modify(context.Background(), &entities.ModificationRequest{
		ReservationCode: "R-100", NewPartySize: &n,
	})
	require.NoError(t, err)
	require.Equal(t, db.ModPaymentPending, result.Status)

	require.NoError(t, fx.svc.PaymentFailed(context.Background(), "cs_1", "card declined"))

	m, _ := fx.store.GetByID(context.Background(), result.ModificationID)
	assert.Equal(t, db.ModPaymentFailed, m.Status)
	assert.Equal(t, 4, fx.booked(3, fixtureDate), "the seat delta is rolled back")
	res, _ := fx.store.GetReservationByID(context.Background(), 1)
	assert.Equal(t, 4, res.PartySize)
}

func TestBuffetDateChangeMovesSeatsBetweenLedgers(t *testing.T) {
	fx := newModFixture(18000) // same price, no payment branch
	fx.seedBuffetSeats(4)
	newDate := fixtureDate.AddDate(0, 0, 1)

	result, err := fx.svc.Modify(context.Background(), &entities.ModificationRequest{
		ReservationCode: "R-100", NewDate: &newDate,
	})
	require.NoError(t, err)
	assert.Equal(t, db.ModCompleted, result.Status)

	assert.Equal(t, 0, fx.booked(3, fixtureDate))
	assert.Equal(t, 4, fx.booked(3, newDate))
	res, _ := fx.store.GetReservationByID(context.Background(), 1)
	assert.Equal(t, newDate.Day(), res.Date.Day())
	assert.Equal(t, newDate.Day(), res.StartTime.Day(), "the time window rides along with the date")
}

func TestCheckoutFailureRejectsAndCompensates(t *testing.T) {
	fx := newModFixture(27000)
	fx.gateway.failCheckout = true
	fx.seedBuffetSeats(4)
	newDate := fixtureDate.AddDate(0, 0, 1)

	result, err := fx.svc.Modify(context.Background(), &entities.ModificationRequest{
		ReservationCode: "R-100", NewDate: &newDate,
	})
	require.Error(t, err)
	var ex *apperrors.ExternalFailureError
	assert.ErrorAs(t, err, &ex)
	require.NotNil(t, result)
	assert.Equal(t, db.ModRejected, result.Status)

	m, _ := fx.store.GetByID(context.Background(), result.ModificationID)
	assert.Equal(t, db.ModRejected, m.Status)
	assert.Equal(t, 4, fx.booked(3, fixtureDate), "seats return to the original ledger")
	assert.Equal(t, 0, fx.booked(3, newDate))
	res, _ := fx.store.GetReservationByID(context.Background(), 1)
	assert.Equal(t, fixtureDate, res.Date)
}

// --- table path ---

func seedReservedSlot(fx *modFixture, reservationID int64) *db.Slot {
	slot, _, _ := fx.slots.CreateReserved(context.Background(), 1, 4, fixtureDate, fixtureTime(19, 0), fixtureTime(21, 0), reservationID)
	return slot
}

func TestTableChangeMovesSlot(t *testing.T) {
	fx := newModFixture(18000)
	oldSlot := seedReservedSlot(fx, 2)

	target := int64(5)
	result, err := fx.svc.Modify(context.Background(), &entities.ModificationRequest{
		ReservationCode: "R-200", NewTableID: &target,
	})
	require.NoError(t, err)
	assert.Equal(t, db.ModCompleted, result.Status)

	released, _ := fx.slots.GetByID(context.Background(), oldSlot.ID)
	assert.Equal(t, db.SlotAvailable, released.Status)

	newSlot, _ := fx.slots.GetByKey(context.Background(), 5, fixtureDate, fixtureTime(19, 0), fixtureTime(21, 0))
	require.NotNil(t, newSlot)
	assert.Equal(t, db.SlotReserved, newSlot.Status)
	require.NotNil(t, newSlot.ReservationID)
	assert.Equal(t, int64(2), *newSlot.ReservationID)

	res, _ := fx.store.GetReservationByID(context.Background(), 2)
	require.NotNil(t, res.TableID)
	assert.Equal(t, int64(5), *res.TableID)
}

func TestTableChangeDissolvesMergedSet(t *testing.T) {
	fx := newModFixture(18000)
	oldSlot := seedReservedSlot(fx, 2)
	extra, _, _ := fx.slots.CreateReserved(context.Background(), 1, 5, fixtureDate, fixtureTime(19, 0), fixtureTime(21, 0), 2)
	fx.sets.sets[10] = &db.TableSet{
		ID: 10, ReservationID: 2, TableIDs: []int64{4, 5},
		SlotIDs: []int64{oldSlot.ID, extra.ID}, Status: db.TableSetActive,
	}
	fx.directory.tables[6] = &db.Table{ID: 6, SectionID: 2, Seats: 8, IsActive: true}

	target := int64(6)
	result, err := fx.svc.Modify(context.Background(), &entities.ModificationRequest{
		ReservationCode: "R-200", NewTableID: &target,
	})
	require.NoError(t, err)
	assert.Equal(t, db.ModCompleted, result.Status)

	assert.Equal(t, db.TableSetDissolved, fx.sets.sets[10].Status)
	for _, id := range []int64{oldSlot.ID, extra.ID} {
		s, _ := fx.slots.GetByID(context.Background(), id)
		assert.Equal(t, db.SlotAvailable, s.Status, "every slot of the dissolved set is freed")
	}
}

func TestTableChangeToOccupiedTableRejects(t *testing.T) {
	fx := newModFixture(18000)
	seedReservedSlot(fx, 2)
	// Table 5 is already reserved by someone else for the same window.
	_, _, _ = fx.slots.CreateReserved(context.Background(), 1, 5, fixtureDate, fixtureTime(19, 0), fixtureTime(21, 0), 77)

	target := int64(5)
	result, err := fx.svc.Modify(context.Background(), &entities.ModificationRequest{
		ReservationCode: "R-200", NewTableID: &target,
	})
	require.Error(t, err)
	var conflict *apperrors.ConflictError
	assert.ErrorAs(t, err, &conflict)
	require.NotNil(t, result)
	assert.Equal(t, db.ModRejected, result.Status)

	res, _ := fx.store.GetReservationByID(context.Background(), 2)
	require.NotNil(t, res.TableID)
	assert.Equal(t, int64(4), *res.TableID, "the reservation keeps its table on rejection")
}

func TestTableChangeRejectsOverlappingDistinctWindow(t *testing.T) {
	fx := newModFixture(18000)
	seedReservedSlot(fx, 2)
	// Table 5 carries a reservation on a different window that overlaps
	// the incoming one. The lazy row CAS would not see it.
	_, _, _ = fx.slots.CreateReserved(context.Background(), 1, 5, fixtureDate, fixtureTime(19, 30), fixtureTime(21, 30), 77)

	target := int64(5)
	result, err := fx.svc.Modify(context.Background(), &entities.ModificationRequest{
		ReservationCode: "R-200", NewTableID: &target,
	})
	require.Error(t, err)
	var conflict *apperrors.ConflictError
	assert.ErrorAs(t, err, &conflict)
	require.NotNil(t, result)
	assert.Equal(t, db.ModRejected, result.Status)

	res, _ := fx.store.GetReservationByID(context.Background(), 2)
	require.NotNil(t, res.TableID)
	assert.Equal(t, int64(4), *res.TableID)
	occupied, _ := fx.slots.GetByKey(context.Background(), 5, fixtureDate, fixtureTime(19, 30), fixtureTime(21, 30))
	assert.Equal(t, db.SlotReserved, occupied.Status, "the other party's booking is untouched")
}

func TestTableChangeRejectsWithinDwellBuffer(t *testing.T) {
	fx := newModFixture(18000)
	seedReservedSlot(fx, 2)
	// 17:45-18:45 on table 5: the windows themselves do not overlap, but
	// the 90-minute dwell extends the earlier party to 19:15.
	_, _, _ = fx.slots.CreateReserved(context.Background(), 1, 5, fixtureDate, fixtureTime(17, 45), fixtureTime(18, 45), 77)

	target := int64(5)
	result, err := fx.svc.Modify(context.Background(), &entities.ModificationRequest{
		ReservationCode: "R-200", NewTableID: &target,
	})
	require.Error(t, err)
	var conflict *apperrors.ConflictError
	assert.ErrorAs(t, err, &conflict)
	require.NotNil(t, result)
	assert.Equal(t, db.ModRejected, result.Status)
}

func TestFailedMoveRestoresDissolvedSet(t *testing.T) {
	fx := newModFixture(18000)
	oldSlot := seedReservedSlot(fx, 2)
	extra, _, _ := fx.slots.CreateReserved(context.Background(), 1, 5, fixtureDate, fixtureTime(19, 0), fixtureTime(21, 0), 2)
	fx.sets.sets[10] = &db.TableSet{
		ID: 10, ReservationID: 2, TableIDs: []int64{4, 5},
		SlotIDs: []int64{oldSlot.ID, extra.ID}, Status: db.TableSetActive,
	}
	fx.directory.tables[6] = &db.Table{ID: 6, SectionID: 2, Seats: 8, IsActive: true}
	// The target table is occupied, so the move fails after the set was
	// already dissolved.
	_, _, _ = fx.slots.CreateReserved(context.Background(), 1, 6, fixtureDate, fixtureTime(19, 30), fixtureTime(21, 30), 77)

	target := int64(6)
	result, err := fx.svc.Modify(context.Background(), &entities.ModificationRequest{
		ReservationCode: "R-200", NewTableID: &target,
	})
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, db.ModRejected, result.Status)

	assert.Equal(t, db.TableSetActive, fx.sets.sets[10].Status, "the dissolved set is restored with its slots")
	for _, id := range []int64{oldSlot.ID, extra.ID} {
		s, _ := fx.slots.GetByID(context.Background(), id)
		assert.Equal(t, db.SlotReserved, s.Status)
		require.NotNil(t, s.ReservationID)
		assert.Equal(t, int64(2), *s.ReservationID)
	}
}

func TestTableChangeInvalidatesAvailabilityCache(t *testing.T) {
	fx := newModFixture(18000)
	seedReservedSlot(fx, 2)

	target := int64(5)
	_, err := fx.svc.Modify(context.Background(), &entities.ModificationRequest{
		ReservationCode: "R-200", NewTableID: &target,
	})
	require.NoError(t, err)

	require.Len(t, fx.cache.calls, 2)
	assert.Equal(t, invalidation{1, 4, 2, fixtureDate}, fx.cache.calls[0], "the vacated table's views are dropped")
	assert.Equal(t, invalidation{1, 5, 2, fixtureDate}, fx.cache.calls[1], "the new table's views are dropped")
}

// --- promo codes ---

func TestPromoCodeSuppliedWithEditIsApplied(t *testing.T) {
	fx := newModFixture(13500)
	fx.seedBuffetSeats(4)

	n := 3
	result, err := fx.svc.Modify(context.Background(), &entities.ModificationRequest{
		ReservationCode: "R-100", NewPartySize: &n, PromoCode: "SUMMER10",
	})
	require.NoError(t, err)
	assert.Equal(t, db.ModCompleted, result.Status)

	assert.Equal(t, "SUMMER10", fx.pricer.gotPromo, "the new code reaches the pricer")
	res, _ := fx.store.GetReservationByID(context.Background(), 1)
	assert.Equal(t, "SUMMER10", res.PromoCode)
}

func TestInvalidPromoCodeRejectsEdit(t *testing.T) {
	fx := newModFixture(13500)
	fx.seedBuffetSeats(4)
	fx.pricer.validateErr = fmt.Errorf("code expired")

	n := 3
	result, err := fx.svc.Modify(context.Background(), &entities.ModificationRequest{
		ReservationCode: "R-100", NewPartySize: &n, PromoCode: "EXPIRED",
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "code expired")
	require.NotNil(t, result)
	assert.Equal(t, db.ModRejected, result.Status)

	assert.Equal(t, 4, fx.booked(3, fixtureDate), "the seat delta is rolled back")
	res, _ := fx.store.GetReservationByID(context.Background(), 1)
	assert.Equal(t, 4, res.PartySize)
	assert.Empty(t, res.PromoCode)
}

// --- recovery ---

func TestRecoverStalledRejectsAndCompensates(t *testing.T) {
	fx := newModFixture(18000)
	fx.seedBuffetSeats(4)

	// Simulate a crash: a request stuck at PROCESSING with a recorded
	// capacity movement and no further progress.
	m := &db.ModificationRequest{ReservationID: 1, RequestedBy: "customer"}
	require.NoError(t, fx.store.Create(context.Background(), m))
	_, err := fx.store.TransitionStatus(context.Background(), m.ID, db.ModPending, db.ModProcessing, "validation passed", "customer")
	require.NoError(t, err)
	payload := []byte(fmt.Sprintf(`{"restaurant_id":1,"meal_service_id":3,"date":%q,"delta":-2}`, fixtureDate.Format(time.RFC3339)))
	require.NoError(t, fx.store.AddCompensation(context.Background(), m.ID, db.CompCapacityAdjust, payload))

	n, err := fx.svc.RecoverStalled(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := fx.store.GetByID(context.Background(), m.ID)
	assert.Equal(t, db.ModRejected, got.Status)
	assert.Equal(t, 2, fx.booked(3, fixtureDate), "the recorded inverse delta is replayed")
}

// --- change set compilation ---

func TestCompileChangeSetDropsEqualValues(t *testing.T) {
	res := &db.Reservation{
		Date: fixtureDate, PartySize: 4, MealServiceID: 3, Notes: "window seat",
	}
	sameDate := fixtureDate
	sameParty := 4
	newNotes := "birthday"
	c := CompileChangeSet(res, &entities.ModificationRequest{
		NewDate:      &sameDate,
		NewPartySize: &sameParty,
		NewNotes:     &newNotes,
	})
	assert.Nil(t, c.Date)
	assert.Nil(t, c.PartySize)
	require.NotNil(t, c.Notes)
	assert.Equal(t, "birthday", *c.Notes)
	assert.False(t, c.Empty())
	assert.False(t, c.DateOrMealChanged())
	assert.False(t, c.TableOrSectionChanged())
}
