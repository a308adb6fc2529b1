package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the rideshare MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolSearchRides = mcp.NewTool("search_rides",
	mcp.WithDescription(
		"Search upcoming shared rides between two places. "+
			"Returns each ride's id, departure time, seats left and price per seat in rupees. "+
			"Use this before book_ride to find a ride id."),
	mcp.WithString("from",
		mcp.Description("Start location (e.g. 'Pune')")),
	mcp.WithString("to",
		mcp.Description("Destination (e.g. 'Mumbai')")),
	mcp.WithString("date",
		mcp.Description("Travel date as YYYY-MM-DD")),
	mcp.WithNumber("seats",
		mcp.Description("Minimum seats needed (default 1)")),
)

var ToolBookRide = mcp.NewTool("book_ride",
	mcp.WithDescription(
		"Book seats on a ride. ONLINE bookings are paid from the wallet unless a verified "+
			"payment_id is given; CASH bookings are paid to the driver. "+
			"Retrying with the same request_id never books twice."),
	mcp.WithString("ride_id",
		mcp.Required(),
		mcp.Description("Ride id from search_rides")),
	mcp.WithNumber("seats",
		mcp.Required(),
		mcp.Description("Number of seats to book (1-8)")),
	mcp.WithString("payment_method",
		mcp.Description("How to pay"),
		mcp.Enum("ONLINE", "CASH")),
	mcp.WithString("payment_id",
		mcp.Description("Id of a verified gateway payment to use instead of the wallet")),
	mcp.WithString("request_id",
		mcp.Description("Idempotency key; reuse it when retrying the same booking")),
)

var ToolCancelBooking = mcp.NewTool("cancel_booking",
	mcp.WithDescription(
		"Cancel one of your bookings before departure. Seats are released and a paid "+
			"booking is refunded to the wallet."),
	mcp.WithString("booking_id",
		mcp.Required(),
		mcp.Description("The booking id from book_ride or my_bookings")),
)

var ToolMyBookings = mcp.NewTool("my_bookings",
	mcp.WithDescription("List your upcoming and past bookings with their payment state."),
)

var ToolWalletBalance = mcp.NewTool("wallet_balance",
	mcp.WithDescription("Check your wallet balance and lifetime totals in rupees."),
)
