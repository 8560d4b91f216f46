// Package mongo implements store.Store on the official MongoDB driver.
// Claims and counters ride single-document commands (FindOneAndUpdate,
// $inc), so the store needs no transactions and runs against standalone
// servers as well as replica sets.
//
// New wraps a database handle whose client the caller owns:
//
//	import (
//	    mongod "go.mongodb.org/mongo-driver/v2/mongo"
//	    "go.mongodb.org/mongo-driver/v2/mongo/options"
//	    "github.com/cascadehq/cascade/store/mongo"
//	)
//
//	client, _ := mongod.Connect(options.Client().ApplyURI(uri))
//	store := mongo.New(client.Database("cascade"))
//	store.Migrate(ctx)
//
// Connect dials its own client instead; Close disconnects it:
//
//	store, _ := mongo.Connect(uri, "cascade")
//	defer store.Close()
package mongo
