package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/postalworks/batchpress/pkg/errors"
)

// MongoConfig holds MongoDB connection settings.
type MongoConfig struct {
	URI      string
	Database string
	Timeout  time.Duration
}

// MongoStore persists jobs and recipient rows in MongoDB. Progress
// counters use atomic $inc updates so concurrent render workers never
// lose increments.
type MongoStore struct {
	client     *mongo.Client
	jobs       *mongo.Collection
	recipients *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore connects to MongoDB and verifies the connection.
func NewMongoStore(ctx context.Context, cfg MongoConfig) (*MongoStore, error) {
	if cfg.Database == "" {
		cfg.Database = "batchpress"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeNetwork, err, "connect to mongodb")
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(errors.ErrCodeNetwork, err, "ping mongodb")
	}

	db := client.Database(cfg.Database)
	return &MongoStore{
		client:     client,
		jobs:       db.Collection("jobs"),
		recipients: db.Collection("recipients"),
	}, nil
}

func (s *MongoStore) CreateJob(ctx context.Context, job *Job) error {
	j := *job
	if j.Status == "" {
		j.Status = JobPending
	}
	now := time.Now()
	j.CreatedAt = now
	j.UpdatedAt = now
	if _, err := s.jobs.InsertOne(ctx, j); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errors.New(errors.ErrCodeInvalidInput, "job %s already exists", job.ID)
		}
		return errors.Wrap(errors.ErrCodeInternal, err, "insert job")
	}
	return nil
}

func (s *MongoStore) GetJob(ctx context.Context, id string) (*Job, error) {
	var j Job
	err := s.jobs.FindOne(ctx, bson.M{"_id": id}).Decode(&j)
	if err == mongo.ErrNoDocuments {
		return nil, errors.New(errors.ErrCodeJobNotFound, "job %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "get job")
	}
	return &j, nil
}

func (s *MongoStore) UpdateJobStatus(ctx context.Context, id string, status JobStatus, errMsg string) error {
	now := time.Now()
	set := bson.M{"status": status, "updatedAt": now}
	if status == JobFailed {
		set["error"] = errMsg
	}
	if status.Terminal() {
		set["completedAt"] = now
	}
	// Terminal transitions are one-way; the filter leaves terminal jobs
	// untouched.
	res, err := s.jobs.UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": []JobStatus{JobPending, JobProcessing}}},
		bson.M{"$set": set})
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err, "update job status")
	}
	if res.MatchedCount == 0 {
		// Terminal job or unknown ID; distinguish for the caller.
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *MongoStore) IncrementProgress(ctx context.Context, id string, success bool, note string) error {
	inc := bson.M{"processed": 1}
	if success {
		inc["succeeded"] = 1
	} else {
		inc["failed"] = 1
	}
	set := bson.M{"updatedAt": time.Now()}
	if note != "" {
		set["note"] = note
	}
	return s.updateJob(ctx, id, bson.M{"$inc": inc, "$set": set})
}

func (s *MongoStore) MarkLateFailure(ctx context.Context, id string, note string) error {
	set := bson.M{"updatedAt": time.Now()}
	if note != "" {
		set["note"] = note
	}
	res, err := s.jobs.UpdateOne(ctx,
		bson.M{"_id": id, "succeeded": bson.M{"$gt": 0}},
		bson.M{"$inc": bson.M{"succeeded": -1, "failed": 1}, "$set": set})
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err, "mark late failure")
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *MongoStore) SetArtifact(ctx context.Context, id, path string) error {
	return s.updateJob(ctx, id, bson.M{"$set": bson.M{
		"artifactPath": path,
		"updatedAt":    time.Now(),
	}})
}

func (s *MongoStore) RequestCancel(ctx context.Context, id string) error {
	res, err := s.jobs.UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": []JobStatus{JobPending, JobProcessing}}},
		bson.M{"$set": bson.M{"cancelRequested": true, "updatedAt": time.Now()}})
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err, "request cancel")
	}
	if res.MatchedCount == 0 {
		// Terminal job or unknown ID; distinguish for the caller.
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *MongoStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	return j.CancelRequested, nil
}

func (s *MongoStore) CreateRecipients(ctx context.Context, jobID string, rows []RecipientRow) error {
	if len(rows) == 0 {
		return nil
	}
	now := time.Now()
	docs := make([]any, len(rows))
	for i, r := range rows {
		r.JobID = jobID
		if r.Status == "" {
			r.Status = RecipientPending
		}
		r.UpdatedAt = now
		docs[i] = r
	}
	if _, err := s.recipients.InsertMany(ctx, docs); err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err, "insert recipients")
	}
	return nil
}

func (s *MongoStore) UpdateRecipient(ctx context.Context, jobID string, index int, status RecipientStatus, errMsg string) error {
	res, err := s.recipients.UpdateOne(ctx,
		bson.M{"jobId": jobID, "index": index},
		bson.M{"$set": bson.M{"status": status, "error": errMsg, "updatedAt": time.Now()}})
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err, "update recipient")
	}
	if res.MatchedCount == 0 {
		return errors.New(errors.ErrCodeNotFound, "recipient %d of job %s not found", index, jobID)
	}
	return nil
}

func (s *MongoStore) ListRecipients(ctx context.Context, jobID string) ([]RecipientRow, error) {
	cur, err := s.recipients.Find(ctx, bson.M{"jobId": jobID},
		options.Find().SetSort(bson.M{"index": 1}))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "list recipients")
	}
	var rows []RecipientRow
	if err := cur.All(ctx, &rows); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "decode recipients")
	}
	return rows, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) updateJob(ctx context.Context, id string, update bson.M) error {
	res, err := s.jobs.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err, "update job")
	}
	if res.MatchedCount == 0 {
		return errors.New(errors.ErrCodeJobNotFound, "job %s not found", id)
	}
	return nil
}
