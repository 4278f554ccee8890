package ingestion

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/leakwatch/auditor/internal/logging"
	"github.com/leakwatch/auditor/internal/reconciliation"
	"github.com/leakwatch/auditor/internal/repository"
)

type Dataset string

const (
	DatasetContracts    Dataset = "contracts"
	DatasetBilling      Dataset = "billing"
	DatasetUsage        Dataset = "usage"
	DatasetProvisioning Dataset = "provisioning"
)

// Datasets lists every dataset in the order a full load should follow.
var Datasets = []Dataset{DatasetContracts, DatasetBilling, DatasetUsage, DatasetProvisioning}

func ParseDataset(s string) (Dataset, error) {
	switch ds := Dataset(strings.ToLower(strings.TrimSpace(s))); ds {
	case DatasetContracts, DatasetBilling, DatasetUsage, DatasetProvisioning:
		return ds, nil
	case "billing_records":
		return DatasetBilling, nil
	case "usage_logs":
		return DatasetUsage, nil
	case "service_provisioning":
		return DatasetProvisioning, nil
	}
	return "", fmt.Errorf("unknown dataset: %q", s)
}

// IngestResult is returned from a successful ingestion.
type IngestResult struct {
	FileID            string                `json:"file_id"`
	Dataset           Dataset               `json:"dataset"`
	Format            Format                `json:"format"`
	AlreadyIngested   bool                  `json:"already_ingested"`
	RecordsParsed     int                   `json:"records_parsed"`
	RecordsIngested   int                   `json:"records_ingested"`
	DuplicatesSkipped int                   `json:"duplicates_skipped"`
	Audit             *reconciliation.Audit `json:"audit,omitempty"`
}

// Options tune a single ingestion.
type Options struct {
	// Reaudit runs a full audit after the records are stored.
	Reaudit bool
}

// Service loads record files into the store.
type Service struct {
	contracts    *repository.ContractRepo
	billing      *repository.BillingRepo
	usage        *repository.UsageRepo
	provisioning *repository.ProvisioningRepo
	files        *repository.IngestedFileRepo
	audits       *reconciliation.Service
	log          zerolog.Logger

	// mu serializes the hash check and the write of a file.
	mu sync.Mutex
}

func NewService(
	contracts *repository.ContractRepo,
	billing *repository.BillingRepo,
	usage *repository.UsageRepo,
	provisioning *repository.ProvisioningRepo,
	files *repository.IngestedFileRepo,
	audits *reconciliation.Service,
) *Service {
	return &Service{
		contracts:    contracts,
		billing:      billing,
		usage:        usage,
		provisioning: provisioning,
		files:        files,
		audits:       audits,
		log:          logging.Component("ingestion"),
	}
}

// Ingest parses data as format, validates every row and stores the records
// of dataset. A file whose content was ingested before is skipped. A single
// invalid row rejects the whole file. The records and the file hash are
// written in one transaction, and ingests are serialized so concurrent
// uploads of the same file store it once.
func (s *Service) Ingest(ctx context.Context, dataset Dataset, format Format, data []byte, opts Options) (*IngestResult, error) {
	hash := fmt.Sprintf("%x", sha256.Sum256(data))

	rows, err := parseRows(format, data)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", ErrMalformedFile, format, err)
	}
	b, err := decode(dataset, rows)
	if err != nil {
		return nil, err
	}

	file := &repository.IngestedFile{
		ID:          uuid.NewString(),
		Dataset:     string(dataset),
		Format:      string(format),
		FileHash:    hash,
		RecordCount: b.parsed,
		IngestedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	res, err := s.store(ctx, file, b)
	if err != nil {
		return nil, err
	}
	res.Dataset = dataset
	res.Format = format
	if res.AlreadyIngested {
		s.log.Info().Str("dataset", string(dataset)).Str("hash", hash[:12]).Msg("File already ingested")
		return res, nil
	}

	s.log.Info().
		Str("file_id", file.ID).
		Str("dataset", string(dataset)).
		Str("format", string(format)).
		Int("parsed", res.RecordsParsed).
		Int("inserted", res.RecordsIngested).
		Msg("Ingested file")

	if opts.Reaudit && s.audits != nil {
		audit, err := s.audits.RunAudit(ctx, reconciliation.Filter{})
		if err != nil {
			// Do not fail ingestion if the audit has issues.
			s.log.Warn().Err(err).Msg("Audit after ingestion failed")
		} else {
			res.Audit = audit
		}
	}

	return res, nil
}

func (s *Service) store(ctx context.Context, file *repository.IngestedFile, b *batch) (*IngestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.files.ExistsByHash(ctx, file.FileHash)
	if err != nil {
		return nil, fmt.Errorf("check hash: %w", err)
	}
	if exists {
		return &IngestResult{AlreadyIngested: true}, nil
	}

	inserted, err := s.files.Record(ctx, file, func(tx *sql.Tx) (int, error) {
		n, err := b.write(ctx, s, tx)
		if err != nil {
			return 0, fmt.Errorf("insert records: %w", err)
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return &IngestResult{
		FileID:            file.ID,
		RecordsParsed:     b.parsed,
		RecordsIngested:   inserted,
		DuplicatesSkipped: b.parsed - inserted,
	}, nil
}

// batch is a decoded file waiting to be written.
type batch struct {
	parsed int
	write  func(ctx context.Context, s *Service, tx *sql.Tx) (int, error)
}

func decode(dataset Dataset, rows []row) (*batch, error) {
	switch dataset {
	case DatasetContracts:
		recs, err := decodeContracts(rows)
		if err != nil {
			return nil, err
		}
		return &batch{len(recs), func(ctx context.Context, s *Service, tx *sql.Tx) (int, error) {
			return s.contracts.InsertTx(ctx, tx, recs)
		}}, nil
	case DatasetBilling:
		recs, err := decodeBilling(rows)
		if err != nil {
			return nil, err
		}
		return &batch{len(recs), func(ctx context.Context, s *Service, tx *sql.Tx) (int, error) {
			return s.billing.InsertTx(ctx, tx, recs)
		}}, nil
	case DatasetUsage:
		recs, err := decodeUsage(rows)
		if err != nil {
			return nil, err
		}
		return &batch{len(recs), func(ctx context.Context, s *Service, tx *sql.Tx) (int, error) {
			return s.usage.InsertTx(ctx, tx, recs)
		}}, nil
	case DatasetProvisioning:
		recs, err := decodeProvisioning(rows)
		if err != nil {
			return nil, err
		}
		return &batch{len(recs), func(ctx context.Context, s *Service, tx *sql.Tx) (int, error) {
			return s.provisioning.InsertTx(ctx, tx, recs)
		}}, nil
	}
	return nil, fmt.Errorf("unknown dataset: %q", dataset)
}
