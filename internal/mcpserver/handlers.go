package mcpserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/digivault/escrowd/internal/escrow"
	"github.com/digivault/escrowd/internal/settlement"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleSettlementStatus reports the release backlog.
func (h *Handlers) HandleSettlementStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := h.client.SettlementStatus(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to read settlement status: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Pending auto-release: %d\nChecked at: %s",
		st.PendingAutoRelease, st.CheckedAt.UTC().Format(time.RFC3339))), nil
}

// HandleRunSettlement triggers a settlement pass.
func (h *Handlers) HandleRunSettlement(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := h.client.RunSettlement(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Settlement run failed: %v", err)), nil
	}
	return mcp.NewToolResultText(formatResult(res)), nil
}

// HandleGetTransaction shows one transaction.
func (h *Handlers) HandleGetTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(req.GetString("transaction_id", ""))
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}
	txn, err := h.client.GetTransaction(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get transaction: %v", err)), nil
	}
	return mcp.NewToolResultText(formatTransaction(txn)), nil
}

func formatResult(r *settlement.Result) string {
	if r.LockContended {
		return "Another settlement run is in progress. Nothing was processed."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Processed: %d\n", r.Processed)
	fmt.Fprintf(&sb, "Released: %d\n", r.Released)
	fmt.Fprintf(&sb, "Refunded (stale payment): %d\n", r.StaleRefunded)
	fmt.Fprintf(&sb, "Skipped (disputed): %d\n", r.Skipped)
	fmt.Fprintf(&sb, "Already settled: %d\n", r.AlreadySettled)
	fmt.Fprintf(&sb, "Duration: %dms\n", r.DurationMs)
	if len(r.Errors) > 0 {
		fmt.Fprintf(&sb, "\nErrors (%d):\n", len(r.Errors))
		for _, e := range r.Errors {
			fmt.Fprintf(&sb, "  - %s\n", e)
		}
	}
	return sb.String()
}

func formatTransaction(t *escrow.Transaction) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Transaction %s\n", t.ID)
	fmt.Fprintf(&sb, "Status: %s\n", t.Status)
	fmt.Fprintf(&sb, "Buyer: %s\nSeller: %s\nListing: %s\n", t.BuyerID, t.SellerID, t.ListingID)
	fmt.Fprintf(&sb, "Amount: %d (fee %d, seller payout %d)\n", t.Amount, t.PlatformFee, t.SellerPayout)
	fmt.Fprintf(&sb, "Created: %s\n", t.CreatedAt.UTC().Format(time.RFC3339))
	if t.ItemTransferredAt != nil {
		fmt.Fprintf(&sb, "Item transferred: %s\n", t.ItemTransferredAt.UTC().Format(time.RFC3339))
	}
	if t.VerificationDeadline != nil {
		fmt.Fprintf(&sb, "Verification deadline: %s\n", t.VerificationDeadline.UTC().Format(time.RFC3339))
	}
	if t.CompletedAt != nil {
		fmt.Fprintf(&sb, "Completed: %s\n", t.CompletedAt.UTC().Format(time.RFC3339))
	}
	return sb.String()
}
