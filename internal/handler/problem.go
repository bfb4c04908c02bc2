package handler

import "github.com/gofiber/fiber/v2"

// problem writes an RFC 7807 problem document. title is a short
// human-readable summary; detail carries request-specific context.
// Every response in this engine's HTTP surface carries X-Trace-Id,
// set by the caller before problem is invoked.
func problem(c *fiber.Ctx, status int, problemType, title, detail string) error {
	return c.Status(status).JSON(fiber.Map{
		"type":   problemType,
		"title":  title,
		"status": status,
		"detail": detail,
	}, "application/problem+json")
}
