package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrowd operator MCP server.
// Descriptions are what the model reads to decide which tool to use.

var ToolSettlementStatus = mcp.NewTool("settlement_status",
	mcp.WithDescription(
		"Show how many escrow transactions are past their verification deadline "+
			"and waiting for automatic release. Disputed transactions are not counted. "+
			"Read-only."),
)

var ToolRunSettlement = mcp.NewTool("run_settlement",
	mcp.WithDescription(
		"Run one settlement pass now: release funds for transactions whose verification "+
			"deadline has passed and refund payments the seller never acted on. "+
			"Safe to call repeatedly; a transaction is never settled twice."),
)

var ToolGetTransaction = mcp.NewTool("get_transaction",
	mcp.WithDescription(
		"Look up one escrow transaction by id: status, amounts, fee split, "+
			"transfer time and verification deadline."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The transaction id (UUID)")),
)
