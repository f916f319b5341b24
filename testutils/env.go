// Package testutils contains environment gated helpers shared by tests.
package testutils

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.viam.com/test"

	"go.cribnosh.com/utils"
	mongoutils "go.cribnosh.com/utils/mongo"
)

var (
	noSkip        = os.Getenv("TEST_NO_SKIP") != ""
	randomizeOnce sync.Once
)

func skipWithError(t *testing.T, err error) {
	t.Helper()
	if noSkip {
		t.Fatal(err)
		return
	}
	t.Skip(err)
}

func backingMongoDBURI() (string, error) {
	mongoURI, ok := os.LookupEnv("TEST_MONGODB_URI")
	if !ok || mongoURI == "" {
		return "", errors.New("no MongoDB URI found")
	}
	randomizeOnce.Do(func() {
		newNamespaces, _ := mongoutils.RandomizeNamespaces()
		utils.Logger.Named("test").Debugw("randomized mongodb namespaces", "namespaces", newNamespaces)
	})
	return mongoURI, nil
}

// SkipUnlessBackingMongoDBURI verifies there is a backing MongoDB URI to use.
func SkipUnlessBackingMongoDBURI(t *testing.T) {
	t.Helper()
	if _, err := backingMongoDBURI(); err != nil {
		skipWithError(t, err)
	}
}

// BackingMongoDBURI returns the backing MongoDB URI to use.
func BackingMongoDBURI(t *testing.T) string {
	t.Helper()
	mongoURI, err := backingMongoDBURI()
	if err != nil {
		skipWithError(t, err)
		return ""
	}
	return mongoURI
}

// BackingMongoDBClient returns a connected client to the backing MongoDB that is
// disconnected when the test finishes.
func BackingMongoDBClient(t *testing.T) *mongo.Client {
	t.Helper()
	mongoURI := BackingMongoDBURI(t)
	if mongoURI == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, client.Ping(ctx, nil), test.ShouldBeNil)
	t.Cleanup(func() {
		utils.UncheckedError(client.Disconnect(context.Background()))
	})
	return client
}

// NewMongoDBNamespace returns a fresh database and collection name for a test.
func NewMongoDBNamespace() (string, string) {
	return "test-" + utils.RandomAlphaString(5), utils.RandomAlphaString(5)
}
