package domain

// Validate checks amount, direction, status and that exactly the source columns
// belonging to the entry type are populated.
func (e LedgerEntry) Validate() error {
	if e.LedgerTransactionID == 0 {
		return NewValidationError("ledger_transaction_id", "is required")
	}
	if e.LedgerAccountID == 0 {
		return NewValidationError("ledger_account_id", "is required")
	}
	if e.Amount < 0 {
		return NewValidationError("amount", "must not be negative")
	}
	switch e.Direction {
	case LedgerEntryDirectionCredit, LedgerEntryDirectionDebit:
	default:
		return NewValidationError("direction", "unknown direction "+string(e.Direction))
	}
	switch e.Status {
	case LedgerEntryStatusPosted, LedgerEntryStatusPending:
	default:
		return NewValidationError("status", "unknown status "+string(e.Status))
	}
	if e.EntryTimestamp.IsZero() {
		return NewValidationError("entry_timestamp", "is required")
	}

	credit := e.SourceUsageCreditID != nil
	event := e.SourceUsageEventID != nil
	application := e.SourceCreditApplicationID != nil

	switch e.EntryType {
	case EntryTypeCreditGrantRecognized, EntryTypeCreditGrantExpired:
		if !credit || event || application {
			return NewValidationError("source_usage_credit_id", "must be the only source for "+string(e.EntryType))
		}
	case EntryTypeUsageCost:
		if !event || credit || application {
			return NewValidationError("source_usage_event_id", "must be the only source for "+string(e.EntryType))
		}
	case EntryTypeCreditApplicationDebitFromCreditBalance:
		if !application || !credit || event {
			return NewValidationError("source_credit_application_id", "requires source_usage_credit_id for "+string(e.EntryType))
		}
	case EntryTypeCreditApplicationCreditTowardsUsageCost:
		if !application || !event || credit {
			return NewValidationError("source_credit_application_id", "requires source_usage_event_id for "+string(e.EntryType))
		}
	default:
		return NewValidationError("entry_type", "unknown entry type "+string(e.EntryType))
	}
	return nil
}
