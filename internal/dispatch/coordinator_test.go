package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/sequence"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/tracker"
)

type emitted struct {
	room   string
	conn   string
	except string
	event  string
	data   any
}

type fakeTransport struct {
	mu     sync.Mutex
	joined map[string][]string
	left   map[string][]string
	out    []emitted
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{joined: make(map[string][]string), left: make(map[string][]string)}
}

func (f *fakeTransport) Join(connID, room string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined[connID] = append(f.joined[connID], room)
}

func (f *fakeTransport) Leave(connID, room string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left[connID] = append(f.left[connID], room)
}

func (f *fakeTransport) EmitToConn(connID, event string, data any) {
	f.record(emitted{conn: connID, event: event, data: data})
}

func (f *fakeTransport) EmitTo(room, event string, data any) {
	f.record(emitted{room: room, event: event, data: data})
}

func (f *fakeTransport) EmitToExcept(room, exceptConnID, event string, data any) {
	f.record(emitted{room: room, except: exceptConnID, event: event, data: data})
}

func (f *fakeTransport) record(e emitted) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, e)
}

// sent returns the payloads emitted to room under event.
func (f *fakeTransport) sent(room, event string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, e := range f.out {
		if e.room == room && e.event == event {
			out = append(out, e.data)
		}
	}
	return out
}

// toConn returns the payloads emitted directly to connID under event.
func (f *fakeTransport) toConn(connID, event string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, e := range f.out {
		if e.conn == connID && e.event == event {
			out = append(out, e.data)
		}
	}
	return out
}

func (f *fakeTransport) events(event string) []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitted
	for _, e := range f.out {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	c         *Coordinator
	store     *storage.MemoryStore
	transport *fakeTransport
	clock     *fakeClock
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	store.SetRate(models.VehicleTaxi, 12.5)
	store.SetRate(models.VehicleSedan, 18)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	tr := newFakeTransport()

	opts := DefaultOptions()
	opts.AcceptResendDelay = 10 * time.Millisecond
	opts.CompletedGrace = 50 * time.Millisecond
	opts.DriverStaleAfter = time.Minute
	opts.UserStaleAfter = 10 * time.Minute

	c := New(Deps{
		Store:     store,
		Presence:  presence.NewRegistry(presence.WithClock(clock.Now)),
		Sessions:  session.NewTable(),
		Tracker:   tracker.New(store, logger, tracker.WithClock(clock.Now)),
		Pricing:   pricing.NewService(store),
		Sequence:  sequence.NewGenerator(store, sequence.DefaultConfig(), logger),
		Geo:       geo.NewIndex(),
		Transport: tr,
		Logger:    logger,
	}, opts)
	t.Cleanup(c.Close)
	return &fixture{c: c, store: store, transport: tr, clock: clock}
}

func bookingFor(userID string) BookingRequest {
	return BookingRequest{
		UserID:      userID,
		CustomerID:  "CUST4821",
		UserName:    "Asha",
		UserMobile:  "9876543210",
		Pickup:      &models.Place{Address: "MG Road", Lat: 12.9756, Lng: 77.6050},
		Drop:        &models.Place{Address: "Indiranagar", Lat: 12.9784, Lng: 77.6408},
		VehicleType: "taxi",
		Distance:    5,
	}
}

func (f *fixture) registerDriver(t *testing.T, connID, driverID string, lat, lng float64) {
	t.Helper()
	_, err := f.c.RegisterDriver(context.Background(), connID, RegisterDriverRequest{
		DriverID: driverID, DriverName: "Driver " + driverID, Latitude: lat, Longitude: lng, VehicleType: "taxi",
	})
	require.NoError(t, err)
}

func (f *fixture) bookAndAccept(t *testing.T, driverID string) *models.Ride {
	t.Helper()
	ctx := context.Background()
	b, err := f.c.BookRide(ctx, bookingFor("u1"))
	require.NoError(t, err)
	a, err := f.c.AcceptRide(ctx, "conn-"+driverID, AcceptRequest{RideID: b.Ride.RideID, DriverID: driverID})
	require.NoError(t, err)
	return a.Ride
}

func TestBookRidePricesPersistsAndBroadcasts(t *testing.T) {
	f := newFixture(t)
	b, err := f.c.BookRide(context.Background(), bookingFor("u1"))
	require.NoError(t, err)

	assert.Equal(t, "RID100001", b.Ride.RideID)
	assert.Equal(t, 62.5, b.Ride.Fare)
	assert.Equal(t, "4821", b.Ride.OTP)
	assert.Equal(t, models.StatusPending, b.Ride.Status)
	assert.Equal(t, "5 km", b.Ride.Distance)
	assert.False(t, b.PricingPending)
	assert.False(t, b.Duplicate)

	stored, err := f.store.GetRide(context.Background(), "RID100001")
	require.NoError(t, err)
	assert.Equal(t, "4821", stored.OTP)

	offers := f.transport.sent(RoomDrivers, EventNewRideRequest)
	require.Len(t, offers, 1)
	offer := offers[0].(*models.Ride)
	assert.Equal(t, "RID100001", offer.RideID)
	assert.Empty(t, offer.OTP, "drivers must not see the pickup code")
}

func TestBookRideValidation(t *testing.T) {
	f := newFixture(t)
	req := bookingFor("")
	_, err := f.c.BookRide(context.Background(), req)
	assert.ErrorIs(t, err, ErrValidation)

	req = bookingFor("u1")
	req.Drop = nil
	_, err = f.c.BookRide(context.Background(), req)
	assert.ErrorIs(t, err, ErrValidation)

	req = bookingFor("u1")
	req.VehicleType = "hovercraft"
	_, err = f.c.BookRide(context.Background(), req)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestBookRideWithoutRateIsPricingPending(t *testing.T) {
	f := newFixture(t)
	req := bookingFor("u1")
	req.VehicleType = "bike"
	b, err := f.c.BookRide(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, b.PricingPending)
	assert.Zero(t, b.Ride.Fare)

	_, err = f.store.GetRide(context.Background(), b.Ride.RideID)
	assert.NoError(t, err)
}

func TestBookRideRandomOTPForNonNumericCustomer(t *testing.T) {
	f := newFixture(t)
	req := bookingFor("u1")
	req.CustomerID = "cust-abc"
	b, err := f.c.BookRide(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, b.Ride.OTP, 4)
	assert.True(t, isDigits(b.Ride.OTP))
}

func TestBookRideRetryReturnsSameRide(t *testing.T) {
	f := newFixture(t)
	req := bookingFor("u1")
	req.RequestID = "req-1"

	first, err := f.c.BookRide(context.Background(), req)
	require.NoError(t, err)
	second, err := f.c.BookRide(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.Ride.RideID, second.Ride.RideID)
	assert.Equal(t, first.Ride.OTP, second.Ride.OTP)
	assert.True(t, second.Duplicate)
	assert.Len(t, f.transport.sent(RoomDrivers, EventNewRideRequest), 1)
}

func TestBookRideConcurrentDuplicatesCollapse(t *testing.T) {
	f := newFixture(t)
	req := bookingFor("u1")

	const callers = 8
	ids := make([]string, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			b, err := f.c.BookRide(context.Background(), req)
			if err != nil {
				t.Errorf("book: %v", err)
				return
			}
			ids[i] = b.Ride.RideID
		}(i)
	}
	close(start)
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, "RID100001", id)
	}
	_, err := f.store.GetRide(context.Background(), "RID100002")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBookRideAfterCancelCreatesNewRide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.c.BookRide(ctx, bookingFor("u1"))
	require.NoError(t, err)
	_, err = f.c.CancelRide(ctx, CancelRequest{RideID: first.Ride.RideID, By: "user"})
	require.NoError(t, err)

	second, err := f.c.BookRide(ctx, bookingFor("u1"))
	require.NoError(t, err)
	assert.NotEqual(t, first.Ride.RideID, second.Ride.RideID)
}

func TestAcceptRaceHasExactlyOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerDriver(t, "conn-d1", "d1", 12.97, 77.60)
	f.registerDriver(t, "conn-d2", "d2", 12.98, 77.61)
	b, err := f.c.BookRide(ctx, bookingFor("u1"))
	require.NoError(t, err)

	type result struct {
		driver string
		err    error
	}
	results := make(chan result, 2)
	start := make(chan struct{})
	for _, d := range []string{"d1", "d2"} {
		go func(d string) {
			<-start
			_, err := f.c.AcceptRide(ctx, "conn-"+d, AcceptRequest{RideID: b.Ride.RideID, DriverID: d})
			results <- result{d, err}
		}(d)
	}
	close(start)

	var winner string
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err == nil {
			require.Empty(t, winner, "two drivers won the same ride")
			winner = r.driver
			continue
		}
		assert.ErrorIs(t, r.err, storage.ErrAlreadyAccepted)
	}
	require.NotEmpty(t, winner)

	stored, err := f.store.GetRide(ctx, b.Ride.RideID)
	require.NoError(t, err)
	assert.Equal(t, winner, stored.DriverID)
	assert.Equal(t, models.StatusAccepted, stored.Status)
	assert.Equal(t, "4821", stored.OTP)

	rec, ok := f.c.presence.Get(winner)
	require.True(t, ok)
	assert.Equal(t, models.PresenceOnRide, rec.Status)

	assert.Len(t, f.transport.sent(DriverRoom(winner), EventUserDataForDriver), 1)
	assigned := f.transport.sent(UserRoom("u1"), EventRideAccepted)
	require.NotEmpty(t, assigned)
	assert.Equal(t, winner, assigned[0].(DriverAssigned).DriverID)
	taken := f.transport.events(EventRideAlreadyAccepted)
	require.Len(t, taken, 2, "one notice from the winner, one from the loser")
	for _, e := range taken {
		assert.Equal(t, RoomDrivers, e.room)
		assert.Equal(t, "conn-"+winner, e.except, "the winner is never told its own ride is taken")
		assert.Equal(t, winner, e.data.(RideStatusChanged).DriverID)
	}
}

func TestAcceptResendsToRider(t *testing.T) {
	f := newFixture(t)
	ride := f.bookAndAccept(t, "d1")
	assert.Eventually(t, func() bool {
		return len(f.transport.sent(UserRoom(ride.UserID), EventRideAccepted)) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestAcceptUnknownRide(t *testing.T) {
	f := newFixture(t)
	_, err := f.c.AcceptRide(context.Background(), "c1", AcceptRequest{RideID: "RID404404", DriverID: "d1"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRejectLeavesRidePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerDriver(t, "conn-d1", "d1", 12.97, 77.60)
	b, err := f.c.BookRide(ctx, bookingFor("u1"))
	require.NoError(t, err)

	require.NoError(t, f.c.RejectRide(ctx, b.Ride.RideID, "d1"))

	stored, err := f.store.GetRide(ctx, b.Ride.RideID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)

	s, ok := f.c.sessions.Get(b.Ride.RideID)
	require.True(t, ok)
	assert.Equal(t, models.StatusPending, s.Status)
	assert.Contains(t, s.RejectedBy, "d1")

	rec, _ := f.c.presence.Get("d1")
	assert.Equal(t, models.PresenceLive, rec.Status)
	assert.Len(t, f.transport.toConn("conn-d1", EventDriverStatusUpdate), 1)

	_, err = f.c.AcceptRide(ctx, "conn-d2", AcceptRequest{RideID: b.Ride.RideID, DriverID: "d2"})
	assert.NoError(t, err, "a rejected ride stays open to other drivers")
}

func TestCompleteFromPendingFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, err := f.c.BookRide(ctx, bookingFor("u1"))
	require.NoError(t, err)

	_, err = f.c.CompleteRide(ctx, CompleteRequest{RideID: b.Ride.RideID, DriverID: "d1"})
	require.Error(t, err)

	stored, err := f.store.GetRide(ctx, b.Ride.RideID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Empty(t, f.transport.sent(UserRoom("u1"), EventRideCompleted))
}

func TestFullRideLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerDriver(t, "conn-d1", "d1", 12.97, 77.60)
	ride := f.bookAndAccept(t, "d1")

	_, err := f.c.DriverArrived(ctx, ride.RideID, "d2")
	assert.ErrorIs(t, err, ErrNotAssigned)

	_, err = f.c.DriverArrived(ctx, ride.RideID, "d1")
	require.NoError(t, err)
	assert.Len(t, f.transport.sent(UserRoom("u1"), EventDriverArrived), 1)

	_, err = f.c.StartRide(ctx, ride.RideID, "d1", "0000")
	assert.ErrorIs(t, err, ErrInvalidOTP)

	started, err := f.c.StartRide(ctx, ride.RideID, "d1", ride.OTP)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOngoing, started.Status)

	done, err := f.c.CompleteRide(ctx, CompleteRequest{RideID: ride.RideID, DriverID: "d1", Distance: 5.4})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)

	completed := f.transport.sent(UserRoom("u1"), EventRideCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, 5.4, completed[0].(RideStatusChanged).Distance)

	rec, _ := f.c.presence.Get("d1")
	assert.Equal(t, models.PresenceLive, rec.Status)

	_, err = f.c.CompleteRide(ctx, CompleteRequest{RideID: ride.RideID, DriverID: "d1"})
	assert.ErrorIs(t, err, storage.ErrConflict)

	assert.Eventually(t, func() bool {
		_, ok := f.c.sessions.Get(ride.RideID)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestCancelAcceptedRideFreesDriver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerDriver(t, "conn-d1", "d1", 12.97, 77.60)
	ride := f.bookAndAccept(t, "d1")

	cancelled, err := f.c.CancelRide(ctx, CancelRequest{RideID: ride.RideID, By: "user", Reason: "plans changed"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.Empty(t, cancelled.DriverID)

	assert.Len(t, f.transport.sent(UserRoom("u1"), EventRideCancelled), 1)
	assert.Len(t, f.transport.sent(DriverRoom("d1"), EventRideCancelled), 1)
	rec, _ := f.c.presence.Get("d1")
	assert.Equal(t, models.PresenceLive, rec.Status)

	_, err = f.c.CancelRide(ctx, CancelRequest{RideID: ride.RideID, By: "user"})
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestDriverLocationGoesToActiveRider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerDriver(t, "conn-d1", "d1", 12.97, 77.60)
	f.registerDriver(t, "conn-d2", "d2", 12.99, 77.62)
	ride := f.bookAndAccept(t, "d1")

	require.True(t, f.c.UpdateDriverLocation(ctx, DriverLocationRequest{DriverID: "d1", Latitude: 12.971, Longitude: 77.601}))
	toRider := f.transport.sent(UserRoom(ride.UserID), EventDriverLiveLocation)
	require.Len(t, toRider, 1)
	assert.Equal(t, ride.RideID, toRider[0].(DriverLocation).RideID)
	assert.Empty(t, f.transport.sent(RoomRiders, EventDriverLiveLocation))

	require.True(t, f.c.UpdateDriverLocation(ctx, DriverLocationRequest{DriverID: "d2", Latitude: 12.991, Longitude: 77.621}))
	assert.Len(t, f.transport.sent(RoomRiders, EventDriverLiveLocation), 1)
	for _, e := range f.transport.events(EventDriverLiveLocation) {
		assert.NotEqual(t, RoomDrivers, e.room, "driver positions never go to other drivers")
	}

	assert.False(t, f.c.UpdateDriverLocation(ctx, DriverLocationRequest{DriverID: "ghost"}))
}

func TestUserLocationGoesToAssignedDriverOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerDriver(t, "conn-d1", "d1", 12.97, 77.60)
	ride := f.bookAndAccept(t, "d1")

	require.NoError(t, f.c.UpdateUserLocation(ctx, UserLocationRequest{UserID: "u1", RideID: ride.RideID, Latitude: 12.9757, Longitude: 77.6051}))
	got := f.transport.events(EventUserLiveLocation)
	require.Len(t, got, 1)
	assert.Equal(t, DriverRoom("d1"), got[0].room)

	// restart: the session is gone but the stored ride still names the driver
	f.c.sessions.Delete(ride.RideID)
	require.NoError(t, f.c.UpdateUserLocation(ctx, UserLocationRequest{UserID: "u1", RideID: ride.RideID, Latitude: 12.9758, Longitude: 77.6052}))
	assert.Len(t, f.transport.sent(DriverRoom("d1"), EventUserLiveLocation), 2)

	ud, err := f.c.UserDataForDriver(ctx, ride.RideID)
	require.NoError(t, err)
	require.NotNil(t, ud.UserCurrentLocation)
	assert.Equal(t, 12.9758, ud.UserCurrentLocation.Lat)
}

func TestUserLocationWithoutDriverIsNotRelayed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, err := f.c.BookRide(ctx, bookingFor("u1"))
	require.NoError(t, err)

	require.NoError(t, f.c.UpdateUserLocation(ctx, UserLocationRequest{UserID: "u1", RideID: b.Ride.RideID, Latitude: 1, Longitude: 2}))
	assert.Empty(t, f.transport.events(EventUserLiveLocation))
}

func TestNearbyDriversHonoursRadius(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	center := models.Coord{Lat: 12.9716, Lng: 77.5946}
	f.registerDriver(t, "c1", "near", 12.9750, 77.5950)
	f.registerDriver(t, "c2", "far", 13.0600, 77.5946)

	got := f.c.NearbyDrivers(ctx, center, 2000)
	require.Len(t, got, 1)
	assert.Equal(t, "near", got[0].DriverID)
	require.NotNil(t, got[0].DistanceM)
	assert.Less(t, *got[0].DistanceM, 2000.0)

	got = f.c.NearbyDrivers(ctx, center, 0)
	assert.Len(t, got, 1, "default radius is 5km")

	got = f.c.NearbyDrivers(ctx, center, 20000)
	require.Len(t, got, 2)
	assert.Equal(t, "near", got[0].DriverID)
	assert.Equal(t, "far", got[1].DriverID)
}

func TestDisconnectTakesDriverOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	center := models.Coord{Lat: 12.97, Lng: 77.60}
	f.registerDriver(t, "conn-d1", "d1", 12.97, 77.60)
	require.Len(t, f.c.NearbyDrivers(ctx, center, 1000), 1)

	f.c.Disconnect(ctx, "conn-d1")
	assert.Empty(t, f.c.NearbyDrivers(ctx, center, 1000))
	rec, ok := f.c.presence.Get("d1")
	require.True(t, ok, "disconnect marks offline, it does not delete")
	assert.Equal(t, models.PresenceOffline, rec.Status)

	f.c.Disconnect(ctx, "unknown-conn")
}

func TestSweepRemovesOnlyStaleOfflineDrivers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerDriver(t, "conn-d1", "d1", 12.97, 77.60)
	f.registerDriver(t, "conn-d2", "d2", 12.98, 77.61)
	require.NoError(t, f.c.UpdateUserLocation(ctx, UserLocationRequest{UserID: "u9", Latitude: 1, Longitude: 1}))
	f.c.Disconnect(ctx, "conn-d1")

	f.clock.Advance(30 * time.Second)
	drivers, users := f.c.Sweep(ctx)
	assert.Zero(t, drivers)
	assert.Zero(t, users)

	f.clock.Advance(15 * time.Minute)
	drivers, users = f.c.Sweep(ctx)
	assert.Equal(t, 1, drivers)
	assert.Equal(t, 1, users)

	_, ok := f.c.presence.Get("d1")
	assert.False(t, ok)
	_, ok = f.c.presence.Get("d2")
	assert.True(t, ok, "online drivers are never swept")
}

func TestCurrentPricesCoversEveryVehicle(t *testing.T) {
	f := newFixture(t)
	prices, err := f.c.CurrentPrices(context.Background())
	require.NoError(t, err)
	assert.Len(t, prices, len(models.VehicleTypes))
	assert.Equal(t, 12.5, prices[models.VehicleTaxi])
	assert.Zero(t, prices[models.VehicleBike])
}

type fakePayments struct {
	// gate, when set, blocks Hold until it is closed.
	gate chan struct{}

	mu       sync.Mutex
	held     []string
	captured []string
	released []string
}

func (p *fakePayments) Hold(_ context.Context, amount int64, customerID, rideID string) (string, error) {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if amount <= 0 {
		return "", errors.New("amount must be positive")
	}
	p.held = append(p.held, rideID)
	return "pi_" + rideID, nil
}

func (p *fakePayments) Capture(_ context.Context, ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.captured = append(p.captured, ref)
	return nil
}

func (p *fakePayments) Cancel(_ context.Context, ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, ref)
	return nil
}

func (p *fakePayments) snapshot() (held, captured, released []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.held...), append([]string(nil), p.captured...), append([]string(nil), p.released...)
}

func TestFareHeldOnAcceptAndCapturedOnComplete(t *testing.T) {
	f := newFixture(t)
	pay := &fakePayments{}
	f.c.payments = pay
	ctx := context.Background()
	ride := f.bookAndAccept(t, "d1")

	require.Eventually(t, func() bool {
		held, _, _ := pay.snapshot()
		return len(held) == 1
	}, time.Second, 5*time.Millisecond)

	_, err := f.c.CompleteRide(ctx, CompleteRequest{RideID: ride.RideID, DriverID: "d1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, captured, _ := pay.snapshot()
		return len(captured) == 1
	}, time.Second, 5*time.Millisecond)
	_, captured, released := pay.snapshot()
	assert.Equal(t, []string{"pi_" + ride.RideID}, captured)
	assert.Empty(t, released)
}

func TestFareCapturedWhenRideCompletesBeforeHoldReturns(t *testing.T) {
	f := newFixture(t)
	pay := &fakePayments{gate: make(chan struct{})}
	f.c.payments = pay
	ctx := context.Background()
	ride := f.bookAndAccept(t, "d1")

	_, err := f.c.CompleteRide(ctx, CompleteRequest{RideID: ride.RideID, DriverID: "d1"})
	require.NoError(t, err)
	// let the session removal run before the hold comes back
	time.Sleep(2 * f.c.opts.CompletedGrace)
	close(pay.gate)

	require.Eventually(t, func() bool {
		_, captured, _ := pay.snapshot()
		return len(captured) == 1
	}, time.Second, 5*time.Millisecond)
	_, captured, _ := pay.snapshot()
	assert.Equal(t, "pi_"+ride.RideID, captured[0])
}

func TestFareReleasedOnCancel(t *testing.T) {
	f := newFixture(t)
	pay := &fakePayments{gate: make(chan struct{})}
	f.c.payments = pay
	ctx := context.Background()
	ride := f.bookAndAccept(t, "d1")

	_, err := f.c.CancelRide(ctx, CancelRequest{RideID: ride.RideID, By: "user"})
	require.NoError(t, err)
	close(pay.gate)

	require.Eventually(t, func() bool {
		_, _, released := pay.snapshot()
		return len(released) == 1
	}, time.Second, 5*time.Millisecond)
	_, captured, released := pay.snapshot()
	assert.Equal(t, []string{"pi_" + ride.RideID}, released)
	assert.Empty(t, captured)
}

func TestNoFareHoldWithoutPrice(t *testing.T) {
	f := newFixture(t)
	pay := &fakePayments{}
	f.c.payments = pay
	ctx := context.Background()
	req := bookingFor("u1")
	req.VehicleType = "bike"
	b, err := f.c.BookRide(ctx, req)
	require.NoError(t, err)
	_, err = f.c.AcceptRide(ctx, "conn-d1", AcceptRequest{RideID: b.Ride.RideID, DriverID: "d1"})
	require.NoError(t, err)
	_, err = f.c.CompleteRide(ctx, CompleteRequest{RideID: b.Ride.RideID, DriverID: "d1"})
	require.NoError(t, err)

	f.c.Close()
	held, captured, _ := pay.snapshot()
	assert.Empty(t, held)
	assert.Empty(t, captured)
}

func TestDriverReconnectDuringRideStaysOnRide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerDriver(t, "conn-d1", "d1", 12.97, 77.60)
	ride := f.bookAndAccept(t, "d1")

	f.c.Disconnect(ctx, "conn-d1")
	f.registerDriver(t, "conn-d1b", "d1", 12.97, 77.60)

	rec, ok := f.c.presence.Get("d1")
	require.True(t, ok)
	assert.True(t, rec.Online)
	assert.Equal(t, models.PresenceOnRide, rec.Status)

	lists := f.transport.sent(RoomRiders, EventDriverLocationsUpdate)
	require.NotEmpty(t, lists)
	latest := lists[len(lists)-1].(DriverList)
	require.Len(t, latest.Drivers, 1)
	assert.Equal(t, models.PresenceOnRide, latest.Drivers[0].Status, "riders must not see a busy driver as free")

	// after a restart the session table is empty; the stored ride still counts
	f.c.Disconnect(ctx, "conn-d1b")
	f.c.sessions.Delete(ride.RideID)
	f.registerDriver(t, "conn-d1c", "d1", 12.97, 77.60)
	rec, _ = f.c.presence.Get("d1")
	assert.Equal(t, models.PresenceOnRide, rec.Status)
	s, ok := f.c.sessions.Get(ride.RideID)
	require.True(t, ok, "stored ride is cached back into the session table")
	assert.Equal(t, "d1", s.DriverID)
}

func TestReconnectAfterRideEndsIsLive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerDriver(t, "conn-d1", "d1", 12.97, 77.60)
	ride := f.bookAndAccept(t, "d1")
	_, err := f.c.CompleteRide(ctx, CompleteRequest{RideID: ride.RideID, DriverID: "d1"})
	require.NoError(t, err)

	f.c.Disconnect(ctx, "conn-d1")
	f.registerDriver(t, "conn-d1b", "d1", 12.97, 77.60)
	rec, _ := f.c.presence.Get("d1")
	assert.Equal(t, models.PresenceLive, rec.Status)
}

func TestRegisterOtherDriverOnSameConnectionLeavesOldRoom(t *testing.T) {
	f := newFixture(t)
	f.registerDriver(t, "c1", "d1", 12.97, 77.60)
	f.registerDriver(t, "c1", "d2", 12.97, 77.60)

	assert.Equal(t, []string{DriverRoom("d1")}, f.transport.left["c1"])
	old, _ := f.c.presence.Get("d1")
	assert.False(t, old.Online)
	online := f.c.OnlineDrivers()
	require.Len(t, online, 1)
	assert.Equal(t, "d2", online[0].DriverID)
}

func TestRegisterDriverRecordsLocation(t *testing.T) {
	f := newFixture(t)
	f.registerDriver(t, "conn-d1", "d1", 12.97, 77.60)
	require.Eventually(t, func() bool {
		return len(f.store.DriverLocations()) == 1
	}, time.Second, 5*time.Millisecond)
	snap := f.store.DriverLocations()[0]
	assert.Equal(t, "d1", snap.DriverID)
	assert.Equal(t, models.PresenceLive, snap.Status)
	assert.Equal(t, 12.97, snap.Location.Lat)
}

func TestHeartbeatKeepsRegisteredDriverFresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerDriver(t, "conn-d1", "d1", 12.97, 77.60)

	f.clock.Advance(2 * time.Minute)
	require.True(t, f.c.Heartbeat("d1"))
	rec, _ := f.c.presence.Get("d1")
	assert.Equal(t, f.clock.Now(), rec.LastUpdate)

	f.c.Disconnect(ctx, "conn-d1")
	assert.False(t, f.c.Heartbeat("d1"), "a disconnected driver is not revived by a heartbeat")
	rec, _ = f.c.presence.Get("d1")
	assert.False(t, rec.Online)
}

func TestAcceptUsesDriverDirectory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.PutDriver(models.DriverProfile{DriverID: "d7", Name: "Ravi Kumar", Phone: "9000000007", VehicleType: models.VehicleTaxi})
	b, err := f.c.BookRide(ctx, bookingFor("u1"))
	require.NoError(t, err)

	a, err := f.c.AcceptRide(ctx, "conn-d7", AcceptRequest{RideID: b.Ride.RideID, DriverID: "d7"})
	require.NoError(t, err)
	assert.Equal(t, "Ravi Kumar", a.Ride.DriverName)
	assert.Equal(t, "9000000007", a.Ride.DriverMobile)

	assigned := f.transport.sent(UserRoom("u1"), EventRideAccepted)
	require.NotEmpty(t, assigned)
	assert.Equal(t, "9000000007", assigned[0].(DriverAssigned).DriverMobile)

	stored, err := f.store.GetRide(ctx, b.Ride.RideID)
	require.NoError(t, err)
	assert.Equal(t, "9000000007", stored.DriverMobile)
}

func TestBookRideReturnsStoredRideOnIDCollision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	existing := &models.Ride{RideID: "RID100001", UserID: "u1", OTP: "4821", Fare: 62.5, Status: models.StatusPending}
	require.NoError(t, f.store.CreateRide(ctx, existing))

	b, err := f.c.BookRide(ctx, bookingFor("u1"))
	require.NoError(t, err)
	assert.Equal(t, "RID100001", b.Ride.RideID)
	assert.True(t, b.Duplicate)
	assert.Empty(t, f.transport.sent(RoomDrivers, EventNewRideRequest), "an existing ride is not offered again")
}

func TestBookRideDrawsNewIDWhenTakenByAnotherRider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := &models.Ride{RideID: "RID100001", UserID: "someone-else", OTP: "9999", Status: models.StatusPending}
	require.NoError(t, f.store.CreateRide(ctx, other))

	b, err := f.c.BookRide(ctx, bookingFor("u1"))
	require.NoError(t, err)
	assert.Equal(t, "RID100002", b.Ride.RideID)
	assert.False(t, b.Duplicate)
	assert.Equal(t, "4821", b.Ride.OTP)
	assert.Equal(t, "u1", b.Ride.UserID)

	kept, err := f.store.GetRide(ctx, "RID100001")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", kept.UserID)
}

func TestRejectWhileOnAnotherRideKeepsDriverBusy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerDriver(t, "conn-d1", "d1", 12.97, 77.60)
	f.bookAndAccept(t, "d1")
	second, err := f.c.BookRide(ctx, bookingFor("u2"))
	require.NoError(t, err)

	require.NoError(t, f.c.RejectRide(ctx, second.Ride.RideID, "d1"))
	rec, _ := f.c.presence.Get("d1")
	assert.Equal(t, models.PresenceOnRide, rec.Status)
	assert.Empty(t, f.transport.toConn("conn-d1", EventDriverStatusUpdate))
}

func TestCancelFreesDriverAssignedByStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerDriver(t, "conn-d1", "d1", 12.97, 77.60)
	b, err := f.c.BookRide(ctx, bookingFor("u1"))
	require.NoError(t, err)
	// an accept that reached the store without passing through this node
	_, err = f.store.AcceptRide(ctx, b.Ride.RideID, models.Assignment{DriverID: "d1", At: f.clock.Now()})
	require.NoError(t, err)
	f.c.presence.SetStatus("d1", models.PresenceOnRide)

	_, err = f.c.CancelRide(ctx, CancelRequest{RideID: b.Ride.RideID, By: "user"})
	require.NoError(t, err)
	assert.Len(t, f.transport.sent(DriverRoom("d1"), EventRideCancelled), 1)
	assert.Empty(t, f.transport.sent(RoomDrivers, EventRideCancelled))
	rec, _ := f.c.presence.Get("d1")
	assert.Equal(t, models.PresenceLive, rec.Status)
}

func TestBackgroundWorkAfterCloseIsDropped(t *testing.T) {
	f := newFixture(t)
	f.c.Close()
	ran := false
	assert.False(t, f.c.background(func(context.Context) { ran = true }))
	assert.False(t, ran)
}
