package ingestion

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/leakwatch/auditor/internal/domain"
)

// ErrInvalidRecord is matched by every ValidationError.
var ErrInvalidRecord = errors.New("invalid record")

// ErrMalformedFile wraps errors from reading a file in its declared format.
var ErrMalformedFile = errors.New("malformed file")

// ValidationError names the row and field that rejected a file.
type ValidationError struct {
	Dataset Dataset
	Row     int
	Field   string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s row %d: %s: %s", e.Dataset, e.Row, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidRecord
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()

	// Report json names so errors match the input columns.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	// Decimals are validated through their string form.
	v.RegisterCustomTypeFunc(func(f reflect.Value) any {
		if d, ok := f.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})

	_ = v.RegisterValidation("decimal_gte0", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && !d.IsNegative()
	})

	return v
}

func validateRecord(ds Dataset, n int, rec any) error {
	err := validate.Struct(rec)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ValidationError{Dataset: ds, Row: n, Field: fe.Field(), Reason: reason(fe)}
	}
	return err
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "decimal_gte0":
		return fmt.Sprintf("must not be negative, got %v", fe.Value())
	case "gtefield":
		return "must not be before " + fe.Param()
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fe.Value())
	}
	return "failed " + fe.Tag()
}

// fieldReader collects the first conversion error of a row.
type fieldReader struct {
	ds  Dataset
	r   row
	err error
}

func (f *fieldReader) fail(field, reason string) {
	if f.err == nil {
		f.err = &ValidationError{Dataset: f.ds, Row: f.r.n, Field: field, Reason: reason}
	}
}

func (f *fieldReader) str(field string) string {
	return f.r.get(field)
}

func (f *fieldReader) dec(field string) decimal.Decimal {
	s := f.r.get(field)
	if s == "" {
		f.fail(field, "is required")
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		f.fail(field, fmt.Sprintf("not a number: %q", s))
		return decimal.Zero
	}
	return d
}

var dateLayouts = []string{time.DateOnly, time.RFC3339, time.DateTime, "2006/01/02", "01/02/2006"}

func (f *fieldReader) date(field string) time.Time {
	t := f.timestamp(field)
	if t.IsZero() {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (f *fieldReader) timestamp(field string) time.Time {
	s := f.r.get(field)
	if s == "" {
		f.fail(field, "is required")
		return time.Time{}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	f.fail(field, fmt.Sprintf("not a date: %q", s))
	return time.Time{}
}

// --- per-dataset decoders ---

func decodeContracts(rows []row) ([]domain.Contract, error) {
	out := make([]domain.Contract, 0, len(rows))
	for _, r := range rows {
		f := fieldReader{ds: DatasetContracts, r: r}
		c := domain.Contract{
			ContractID:  f.str("contract_id"),
			CustomerID:  f.str("customer_id"),
			ServiceType: f.str("service_type"),
			AgreedRate:  f.dec("agreed_rate"),
			StartDate:   f.date("start_date"),
			EndDate:     f.date("end_date"),
		}
		if f.err != nil {
			return nil, f.err
		}
		if err := validateRecord(DatasetContracts, r.n, c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func decodeBilling(rows []row) ([]domain.BillingRecord, error) {
	out := make([]domain.BillingRecord, 0, len(rows))
	for _, r := range rows {
		f := fieldReader{ds: DatasetBilling, r: r}
		b := domain.BillingRecord{
			InvoiceID:     f.str("invoice_id"),
			CustomerID:    f.str("customer_id"),
			ServiceType:   f.str("service_type"),
			BilledRate:    f.dec("billed_rate"),
			UsageQuantity: f.dec("usage_quantity"),
			TotalCharge:   f.dec("total_charge"),
			Date:          f.date("date"),
		}
		if f.err != nil {
			return nil, f.err
		}
		if err := validateRecord(DatasetBilling, r.n, b); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func decodeUsage(rows []row) ([]domain.UsageLog, error) {
	out := make([]domain.UsageLog, 0, len(rows))
	for _, r := range rows {
		f := fieldReader{ds: DatasetUsage, r: r}
		u := domain.UsageLog{
			LogID:         f.str("log_id"),
			CustomerID:    f.str("customer_id"),
			ServiceType:   f.str("service_type"),
			RecordedUsage: f.dec("recorded_usage"),
			Timestamp:     f.timestamp("timestamp"),
		}
		if f.err != nil {
			return nil, f.err
		}
		if err := validateRecord(DatasetUsage, r.n, u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func decodeProvisioning(rows []row) ([]domain.ProvisioningRecord, error) {
	out := make([]domain.ProvisioningRecord, 0, len(rows))
	for _, r := range rows {
		f := fieldReader{ds: DatasetProvisioning, r: r}
		p := domain.ProvisioningRecord{
			ProvisionID:      f.str("provision_id"),
			CustomerID:       f.str("customer_id"),
			ServiceType:      f.str("service_type"),
			ProvisionedLevel: f.str("provisioned_level"),
			Status:           domain.ProvisioningStatus(strings.ToLower(f.str("status"))),
		}
		if err := validateRecord(DatasetProvisioning, r.n, p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
