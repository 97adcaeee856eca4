package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Tyrowin/sharedo/internal/models"
)

const (
	messagesCollection  = "messages"
	reactionsCollection = "reactions"
)

// Mongo stores messages and reactions in MongoDB. Membership and users stay
// with the primary store.
type Mongo struct {
	client    *mongo.Client
	messages  *mongo.Collection
	reactions *mongo.Collection
}

type messageDocument struct {
	ID          string              `bson:"_id"`
	RoomID      string              `bson:"room_id"`
	SenderID    string              `bson:"sender_id"`
	Text        string              `bson:"text"`
	Timestamp   int64               `bson:"timestamp"`
	ReplyTo     *string             `bson:"reply_to,omitempty"`
	Attachments []models.Attachment `bson:"attachments"`
	CreatedAt   time.Time           `bson:"created_at"`
}

func (d messageDocument) toMessage() models.Message {
	attachments := d.Attachments
	if attachments == nil {
		attachments = []models.Attachment{}
	}
	return models.Message{
		ID:          d.ID,
		RoomID:      d.RoomID,
		SenderID:    d.SenderID,
		Text:        d.Text,
		Timestamp:   d.Timestamp,
		ReplyTo:     d.ReplyTo,
		Attachments: attachments,
	}
}

// NewMongo connects to MongoDB, verifies the connection and ensures the
// indexes the queries rely on.
func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongodb: %w", err)
	}

	db := client.Database(database)
	m := &Mongo{
		client:    client,
		messages:  db.Collection(messagesCollection),
		reactions: db.Collection(reactionsCollection),
	}
	if err := m.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	_, err := m.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "timestamp", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("creating message index: %w", err)
	}

	_, err = m.reactions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "target_type", Value: 1},
			{Key: "target_id", Value: 1},
			{Key: "user_id", Value: 1},
			{Key: "emoji", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("creating reaction index: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// Insert stores a message and returns it as stored.
func (m *Mongo) Insert(ctx context.Context, msg models.Message) (models.Message, error) {
	if msg.Attachments == nil {
		msg.Attachments = []models.Attachment{}
	}
	doc := messageDocument{
		ID:          msg.ID,
		RoomID:      msg.RoomID,
		SenderID:    msg.SenderID,
		Text:        msg.Text,
		Timestamp:   msg.Timestamp,
		ReplyTo:     msg.ReplyTo,
		Attachments: msg.Attachments,
		CreatedAt:   time.Now(),
	}
	if _, err := m.messages.InsertOne(ctx, doc); err != nil {
		return models.Message{}, fmt.Errorf("inserting message %v: %w", msg.ID, err)
	}
	return msg, nil
}

// Get returns a message by id, or ErrNotFound.
func (m *Mongo) Get(ctx context.Context, id string) (models.Message, error) {
	var doc messageDocument
	err := m.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.Message{}, ErrNotFound
		}
		return models.Message{}, fmt.Errorf("getting message %v: %w", id, err)
	}
	return doc.toMessage(), nil
}

// ListRoom returns the newest limit messages of a room, oldest first.
func (m *Mongo) ListRoom(ctx context.Context, roomID string, limit int) ([]models.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := m.messages.Find(ctx, bson.M{"room_id": roomID}, opts)
	if err != nil {
		return nil, fmt.Errorf("listing messages of room %v: %w", roomID, err)
	}
	defer cursor.Close(ctx)

	var docs []messageDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding messages of room %v: %w", roomID, err)
	}

	out := make([]models.Message, len(docs))
	for i, doc := range docs {
		out[len(docs)-1-i] = doc.toMessage()
	}
	return out, nil
}

func reactionFilter(r models.Reaction) bson.M {
	return bson.M{
		"target_type": r.TargetType,
		"target_id":   r.TargetID,
		"user_id":     r.UserID,
		"emoji":       r.Emoji,
	}
}

// AddReaction records a reaction. Repeating it is a no-op.
func (m *Mongo) AddReaction(ctx context.Context, r models.Reaction) error {
	update := bson.M{"$setOnInsert": bson.M{"_id": r.ID, "created_at": time.Now()}}
	_, err := m.reactions.UpdateOne(ctx, reactionFilter(r), update, options.Update().SetUpsert(true))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("adding reaction to %v: %w", r.TargetID, err)
	}
	return nil
}

// RemoveReaction deletes a reaction. A missing one is not an error.
func (m *Mongo) RemoveReaction(ctx context.Context, r models.Reaction) error {
	if _, err := m.reactions.DeleteOne(ctx, reactionFilter(r)); err != nil {
		return fmt.Errorf("removing reaction from %v: %w", r.TargetID, err)
	}
	return nil
}

type reactionAggregate struct {
	Key struct {
		TargetID string `bson:"target_id"`
		Emoji    string `bson:"emoji"`
	} `bson:"_id"`
	Count int  `bson:"count"`
	Mine  bool `bson:"mine"`
}

// Summaries aggregates reactions per message for the viewer.
func (m *Mongo) Summaries(ctx context.Context, messageIDs []string, viewerID string) (map[string][]models.ReactionSummary, error) {
	out := make(map[string][]models.ReactionSummary)
	if len(messageIDs) == 0 {
		return out, nil
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"target_type": models.ReactionTargetMessage,
			"target_id":   bson.M{"$in": messageIDs},
		}}},
		{{Key: "$group", Value: bson.M{
			"_id":   bson.M{"target_id": "$target_id", "emoji": "$emoji"},
			"count": bson.M{"$sum": 1},
			"mine":  bson.M{"$max": bson.M{"$eq": bson.A{"$user_id", viewerID}}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "_id.target_id", Value: 1}, {Key: "_id.emoji", Value: 1}}}},
	}

	cursor, err := m.reactions.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregating reactions: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var agg reactionAggregate
		if err := cursor.Decode(&agg); err != nil {
			return nil, fmt.Errorf("decoding reaction aggregate: %w", err)
		}
		out[agg.Key.TargetID] = append(out[agg.Key.TargetID], models.ReactionSummary{
			Emoji:       agg.Key.Emoji,
			Count:       agg.Count,
			ReactedByMe: agg.Mine,
		})
	}
	return out, cursor.Err()
}
