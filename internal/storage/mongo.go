package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	ridesCollection           = "rides"
	countersCollection        = "counters"
	driverLocationsCollection = "driver_locations"
	userLocationsCollection   = "user_locations"
	pricesCollection          = "ride_prices"
	driversCollection         = "drivers"
)

// MongoStore implements Store on MongoDB. Ride documents keep the
// RAID_ID field name so existing admin tooling keeps reading them.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

type placeDocument struct {
	Address string  `bson:"addr"`
	Lat     float64 `bson:"lat"`
	Lng     float64 `bson:"lng"`
}

type rideDocument struct {
	ID              primitive.ObjectID `bson:"_id,omitempty"`
	RideID          string             `bson:"RAID_ID"`
	UserID          string             `bson:"userId"`
	CustomerID      string             `bson:"customerId"`
	Name            string             `bson:"name"`
	UserMobile      string             `bson:"userMobile"`
	DriverID        string             `bson:"driverId,omitempty"`
	DriverName      string             `bson:"driverName,omitempty"`
	DriverMobile    string             `bson:"driverMobile,omitempty"`
	PickupLocation  string             `bson:"pickupLocation"`
	DropoffLocation string             `bson:"dropoffLocation"`
	Pickup          placeDocument      `bson:"pickup"`
	Drop            placeDocument      `bson:"drop"`
	RideType        string             `bson:"rideType"`
	Fare            float64            `bson:"fare"`
	DistanceKm      float64            `bson:"distanceKm"`
	Distance        string             `bson:"distance"`
	TravelTime      string             `bson:"travelTime"`
	IsReturnTrip    bool               `bson:"isReturnTrip"`
	OTP             string             `bson:"otp"`
	Status          string             `bson:"status"`
	CancelReason    string             `bson:"cancelReason,omitempty"`
	CreatedAt       time.Time          `bson:"createdAt"`
	UpdatedAt       time.Time          `bson:"updatedAt"`
	AcceptedAt      *time.Time         `bson:"acceptedAt,omitempty"`
	ArrivedAt       *time.Time         `bson:"arrivedAt,omitempty"`
	StartedAt       *time.Time         `bson:"startedAt,omitempty"`
	CompletedAt     *time.Time         `bson:"completedAt,omitempty"`
	CancelledAt     *time.Time         `bson:"cancelledAt,omitempty"`
}

func toRideDocument(r *models.Ride) rideDocument {
	d := rideDocument{
		RideID:          r.RideID,
		UserID:          r.UserID,
		CustomerID:      r.CustomerID,
		Name:            r.UserName,
		UserMobile:      r.UserMobile,
		DriverID:        r.DriverID,
		DriverName:      r.DriverName,
		DriverMobile:    r.DriverMobile,
		PickupLocation:  r.Pickup.Address,
		DropoffLocation: r.Drop.Address,
		Pickup:          placeDocument{Address: r.Pickup.Address, Lat: r.Pickup.Lat, Lng: r.Pickup.Lng},
		Drop:            placeDocument{Address: r.Drop.Address, Lat: r.Drop.Lat, Lng: r.Drop.Lng},
		RideType:        string(r.VehicleType),
		Fare:            r.Fare,
		DistanceKm:      r.DistanceKm,
		Distance:        r.Distance,
		TravelTime:      r.TravelTime,
		IsReturnTrip:    r.ReturnTrip,
		OTP:             r.OTP,
		Status:          string(r.Status),
		CancelReason:    r.CancelReason,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		AcceptedAt:      r.AcceptedAt,
		ArrivedAt:       r.ArrivedAt,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		CancelledAt:     r.CancelledAt,
	}
	if oid, err := primitive.ObjectIDFromHex(r.ID); err == nil {
		d.ID = oid
	}
	return d
}

func (d rideDocument) toModel() *models.Ride {
	return &models.Ride{
		ID:           d.ID.Hex(),
		RideID:       d.RideID,
		UserID:       d.UserID,
		CustomerID:   d.CustomerID,
		UserName:     d.Name,
		UserMobile:   d.UserMobile,
		DriverID:     d.DriverID,
		DriverName:   d.DriverName,
		DriverMobile: d.DriverMobile,
		Pickup:       models.Place{Address: d.Pickup.Address, Lat: d.Pickup.Lat, Lng: d.Pickup.Lng},
		Drop:         models.Place{Address: d.Drop.Address, Lat: d.Drop.Lat, Lng: d.Drop.Lng},
		VehicleType:  models.VehicleType(d.RideType),
		Fare:         d.Fare,
		DistanceKm:   d.DistanceKm,
		Distance:     d.Distance,
		TravelTime:   d.TravelTime,
		ReturnTrip:   d.IsReturnTrip,
		OTP:          d.OTP,
		Status:       models.RideStatus(d.Status),
		CancelReason: d.CancelReason,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
		AcceptedAt:   d.AcceptedAt,
		ArrivedAt:    d.ArrivedAt,
		StartedAt:    d.StartedAt,
		CompletedAt:  d.CompletedAt,
		CancelledAt:  d.CancelledAt,
	}
}

// NewMongoStore connects, pings and makes sure the unique RAID_ID index
// exists.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	s := &MongoStore{client: client, db: client.Database(database)}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(ridesCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "RAID_ID", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "driverId", Value: 1}, {Key: "status", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create ride indexes: %w", err)
	}
	_, err = s.db.Collection(userLocationsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "userId", Value: 1}, {Key: "timestamp", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("create user location index: %w", err)
	}
	return nil
}

func (s *MongoStore) rides() *mongo.Collection { return s.db.Collection(ridesCollection) }

func (s *MongoStore) CreateRide(ctx context.Context, r *models.Ride) error {
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	doc := toRideDocument(r)
	res, err := s.rides().InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateRide
	}
	if err != nil {
		return fmt.Errorf("insert ride %s: %w", r.RideID, err)
	}
	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		r.ID = oid.Hex()
	}
	return nil
}

func (s *MongoStore) GetRide(ctx context.Context, rideID string) (*models.Ride, error) {
	var doc rideDocument
	err := s.rides().FindOne(ctx, bson.M{"RAID_ID": rideID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find ride %s: %w", rideID, err)
	}
	return doc.toModel(), nil
}

// AcceptRide is a single FindOneAndUpdate filtered on status=pending. The
// pipeline form keeps an existing otp and only fills it when empty.
func (s *MongoStore) AcceptRide(ctx context.Context, rideID string, a models.Assignment) (*models.Ride, error) {
	at := a.At
	if at.IsZero() {
		at = time.Now()
	}
	filter := bson.M{"RAID_ID": rideID, "status": string(models.StatusPending)}
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "status", Value: string(models.StatusAccepted)},
			{Key: "driverId", Value: a.DriverID},
			{Key: "driverName", Value: a.DriverName},
			{Key: "driverMobile", Value: a.DriverMobile},
			{Key: "otp", Value: bson.D{{Key: "$cond", Value: bson.A{
				bson.D{{Key: "$gt", Value: bson.A{"$otp", ""}}}, "$otp", a.OTP,
			}}}},
			{Key: "acceptedAt", Value: at},
			{Key: "updatedAt", Value: at},
		}}},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc rideDocument
	err := s.rides().FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		cur, gerr := s.GetRide(ctx, rideID)
		if gerr != nil && !errors.Is(gerr, ErrNotFound) {
			return nil, gerr
		}
		return nil, classifyAcceptMiss(cur)
	}
	if err != nil {
		return nil, fmt.Errorf("accept ride %s: %w", rideID, err)
	}
	return doc.toModel(), nil
}

// TransitionRide reads the pre-image so the caller learns which driver a
// cancellation released; the returned ride has the update applied.
func (s *MongoStore) TransitionRide(ctx context.Context, rideID string, from []models.RideStatus, to models.RideStatus, reason string) (*models.Ride, string, error) {
	now := time.Now()
	set := bson.M{"status": string(to), "updatedAt": now}
	if field := timestampField(to); field != "" {
		set[field] = now
	}
	update := bson.M{}
	if to == models.StatusCancelled {
		set["cancelReason"] = reason
		update["$unset"] = bson.M{"driverId": "", "driverName": "", "driverMobile": ""}
	}
	update["$set"] = set
	filter := bson.M{"RAID_ID": rideID, "status": bson.M{"$in": statusStrings(from)}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)
	var doc rideDocument
	err := s.rides().FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, gerr := s.GetRide(ctx, rideID); gerr != nil {
			return nil, "", gerr
		}
		return nil, "", ErrConflict
	}
	if err != nil {
		return nil, "", fmt.Errorf("transition ride %s to %s: %w", rideID, to, err)
	}
	r := doc.toModel()
	prev := r.DriverID
	r.Status = to
	r.UpdatedAt = now
	if to == models.StatusCancelled {
		r.DriverID, r.DriverName, r.DriverMobile = "", "", ""
		r.CancelReason = reason
	}
	stamp(r, to)
	return r, prev, nil
}

func (s *MongoStore) ActiveRideForDriver(ctx context.Context, driverID string) (*models.Ride, error) {
	filter := bson.M{"driverId": driverID, "status": bson.M{"$in": statusStrings(activeStatuses)}}
	opts := options.FindOne().SetSort(bson.D{{Key: "acceptedAt", Value: -1}})
	var doc rideDocument
	err := s.rides().FindOne(ctx, filter, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find active ride for %s: %w", driverID, err)
	}
	return doc.toModel(), nil
}

func timestampField(to models.RideStatus) string {
	switch to {
	case models.StatusAccepted:
		return "acceptedAt"
	case models.StatusArrived:
		return "arrivedAt"
	case models.StatusOngoing:
		return "startedAt"
	case models.StatusCompleted:
		return "completedAt"
	case models.StatusCancelled:
		return "cancelledAt"
	}
	return ""
}

// NextSequence increments atomically with an upserting pipeline update, so
// the first caller seeds the counter at base.
func (s *MongoStore) NextSequence(ctx context.Context, name string, base int64) (int64, error) {
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "sequence", Value: bson.D{{Key: "$add", Value: bson.A{
				bson.D{{Key: "$ifNull", Value: bson.A{"$sequence", base}}}, 1,
			}}}},
		}}},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc struct {
		Sequence int64 `bson:"sequence"`
	}
	err := s.db.Collection(countersCollection).FindOneAndUpdate(ctx, bson.M{"_id": name}, update, opts).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("increment counter %s: %w", name, err)
	}
	return doc.Sequence, nil
}

func (s *MongoStore) ResetSequence(ctx context.Context, name string, value int64) error {
	_, err := s.db.Collection(countersCollection).UpdateOne(ctx,
		bson.M{"_id": name},
		bson.M{"$set": bson.M{"sequence": value}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("reset counter %s: %w", name, err)
	}
	return nil
}

func (s *MongoStore) AppendDriverLocation(ctx context.Context, snap models.DriverLocationSnapshot) error {
	_, err := s.db.Collection(driverLocationsCollection).InsertOne(ctx, bson.M{
		"driverId":    snap.DriverID,
		"driverName":  snap.DriverName,
		"latitude":    snap.Location.Lat,
		"longitude":   snap.Location.Lng,
		"vehicleType": string(snap.VehicleType),
		"status":      string(snap.Status),
		"timestamp":   snap.Timestamp,
	})
	return err
}

func (s *MongoStore) AppendUserLocation(ctx context.Context, snap models.UserLocationSnapshot) error {
	_, err := s.db.Collection(userLocationsCollection).InsertOne(ctx, bson.M{
		"userId":    snap.UserID,
		"rideId":    snap.RideID,
		"latitude":  snap.Location.Lat,
		"longitude": snap.Location.Lng,
		"timestamp": snap.Timestamp,
	})
	return err
}

func (s *MongoStore) ActiveRates(ctx context.Context) (map[models.VehicleType]float64, error) {
	cur, err := s.db.Collection(pricesCollection).Find(ctx, bson.M{"isActive": true})
	if err != nil {
		return nil, fmt.Errorf("find prices: %w", err)
	}
	var docs []struct {
		VehicleType string  `bson:"vehicleType"`
		PricePerKm  float64 `bson:"pricePerKm"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode prices: %w", err)
	}
	out := make(map[models.VehicleType]float64, len(docs))
	for _, d := range docs {
		out[models.VehicleType(d.VehicleType)] = d.PricePerKm
	}
	return out, nil
}

func (s *MongoStore) FindDriver(ctx context.Context, driverID string) (*models.DriverProfile, error) {
	var doc struct {
		DriverID    string `bson:"driverId"`
		Name        string `bson:"name"`
		Phone       string `bson:"phone"`
		VehicleType string `bson:"vehicleType"`
		Location    struct {
			Coordinates []float64 `bson:"coordinates"`
		} `bson:"location"`
	}
	err := s.db.Collection(driversCollection).FindOne(ctx, bson.M{"driverId": driverID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find driver %s: %w", driverID, err)
	}
	p := &models.DriverProfile{
		DriverID:    doc.DriverID,
		Name:        doc.Name,
		Phone:       doc.Phone,
		VehicleType: models.VehicleType(doc.VehicleType),
	}
	// GeoJSON order is [lng, lat].
	if len(doc.Location.Coordinates) == 2 {
		p.Location = models.Coord{Lat: doc.Location.Coordinates[1], Lng: doc.Location.Coordinates[0]}
	}
	return p, nil
}

func (s *MongoStore) Ping(ctx context.Context) error { return s.client.Ping(ctx, nil) }

func (s *MongoStore) Close(ctx context.Context) error { return s.client.Disconnect(ctx) }
