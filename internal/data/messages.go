package data

import (
	"context"
	"errors"

	"github.com/anvaya/chatrelay/internal/normalize"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MessagesStore provides message database operations on MongoDB.
type MessagesStore struct {
	// coll is the "messages" collection, set via NewMessagesStore
	coll *mongo.Collection
}

// NewMessagesStore returns a MessagesStore using given collection.
func NewMessagesStore(coll *mongo.Collection) *MessagesStore {
	return &MessagesStore{coll: coll}
}

// Append validates and inserts a new message document and returns the saved record.
func (m *MessagesStore) Append(ctx context.Context, sender, receiver, content, image string) (*Message, error) {
	msg, err := newDraft(sender, receiver, content, image)
	if err != nil {
		return nil, err
	}

	doc := toDoc(msg)
	result, err := m.coll.InsertOne(ctx, doc)
	if err != nil {
		return nil, persistenceErr("insert message", err)
	}

	// Mongo generates the _id; its hex form is the public message id
	msg.ID = result.InsertedID.(bson.ObjectID).Hex()
	return msg, nil
}

// History returns every message between two users in both directions, soft
// deleted ones included, ordered oldest to newest.
func (m *MessagesStore) History(ctx context.Context, userA, userB string) ([]*Message, error) {
	a := normalize.UserID(userA)
	b := normalize.UserID(userB)

	// ObjectIDs grow monotonically per process, so _id breaks timestamp ties
	// in insertion order
	opts := options.Find().SetSort(bson.D{
		{Key: "timestamp", Value: 1},
		{Key: "_id", Value: 1},
	})

	filter := bson.M{
		"$or": bson.A{
			bson.M{"sender": a, "receiver": b},
			bson.M{"sender": b, "receiver": a},
		},
	}

	cursor, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, persistenceErr("find history", err)
	}
	defer cursor.Close(ctx)

	var docs []messageDoc
	if err = cursor.All(ctx, &docs); err != nil {
		return nil, persistenceErr("decode history", err)
	}

	messages := make([]*Message, 0, len(docs))
	for i := range docs {
		messages = append(messages, docs[i].toMessage())
	}
	return messages, nil
}

// Get returns a single message by id.
func (m *MessagesStore) Get(ctx context.Context, id string) (*Message, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		// a malformed id can never match a stored message
		return nil, ErrNotFound
	}

	var doc messageDoc
	err = m.coll.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, persistenceErr("find message", err)
	}
	return doc.toMessage(), nil
}

// SoftDelete marks a message deleted and returns the updated record. Deleting an
// already deleted message succeeds and returns the same state.
func (m *MessagesStore) SoftDelete(ctx context.Context, id string) (*Message, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrNotFound
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	update := bson.M{"$set": bson.M{"deleted": true}}

	var doc messageDoc
	err = m.coll.FindOneAndUpdate(ctx, bson.M{"_id": oid}, update, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, persistenceErr("soft delete message", err)
	}
	return doc.toMessage(), nil
}

// MarkRead flags every unread message sent by partner to reader as read and
// returns how many documents changed.
func (m *MessagesStore) MarkRead(ctx context.Context, reader, partner string) (int64, error) {
	filter := bson.M{
		"sender":   normalize.UserID(partner),
		"receiver": normalize.UserID(reader),
		"read":     false,
	}
	res, err := m.coll.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"read": true}})
	if err != nil {
		return 0, persistenceErr("mark read", err)
	}
	return res.ModifiedCount, nil
}

// Conversations aggregates the user's chat partners with the last message and
// the number of unread messages, most recent conversation first.
func (m *MessagesStore) Conversations(ctx context.Context, userID string, limit int64) ([]*ConversationSummary, error) {
	user := normalize.UserID(userID)

	pipeline := mongo.Pipeline{
		// Stage 1: messages where the user is either side
		bson.D{{Key: "$match", Value: bson.D{
			{Key: "$or", Value: bson.A{
				bson.D{{Key: "sender", Value: user}},
				bson.D{{Key: "receiver", Value: user}},
			}},
		}}},

		// Stage 2: chronological order so $last below is the newest message
		bson.D{{Key: "$sort", Value: bson.D{
			{Key: "timestamp", Value: 1},
			{Key: "_id", Value: 1},
		}}},

		// Stage 3: one group per partner
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: bson.D{
				{Key: "$cond", Value: bson.A{
					bson.D{{Key: "$eq", Value: bson.A{"$sender", user}}},
					"$receiver",
					"$sender",
				}},
			}},
			{Key: "last", Value: bson.D{{Key: "$last", Value: "$$ROOT"}}},
			{Key: "unread", Value: bson.D{{Key: "$sum", Value: bson.D{
				{Key: "$cond", Value: bson.A{
					bson.D{{Key: "$and", Value: bson.A{
						bson.D{{Key: "$eq", Value: bson.A{"$receiver", user}}},
						bson.D{{Key: "$eq", Value: bson.A{"$read", false}}},
					}}},
					1,
					0,
				}},
			}}}},
		}}},

		// Stage 4: most recent conversation first
		bson.D{{Key: "$sort", Value: bson.D{{Key: "last.timestamp", Value: -1}}}},
	}
	if limit > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$limit", Value: limit}})
	}

	cursor, err := m.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, persistenceErr("aggregate conversations", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Partner string     `bson:"_id"`
		Last    messageDoc `bson:"last"`
		Unread  int64      `bson:"unread"`
	}
	if err = cursor.All(ctx, &rows); err != nil {
		return nil, persistenceErr("decode conversations", err)
	}

	out := make([]*ConversationSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, &ConversationSummary{
			Partner:     r.Partner,
			LastMessage: r.Last.toMessage(),
			Unread:      r.Unread,
		})
	}
	return out, nil
}
