package cache

// Lua scripts evaluated server-side against Redis so that each
// operation's mutations are indivisible from any other evaluator's
// view. KEYS/ARGV layouts mirror the cache key layout the engine's
// external contract documents.

const (
	// tryAdmitScript implements TryAdmit(P, U, t).
	//
	// KEYS[1] = stock:{P}
	// KEYS[2] = queue:{P}
	// KEYS[3] = user:{U}:product:{P}
	// ARGV[1] = userId
	// ARGV[2] = arrivalMs
	// ARGV[3] = single-flight TTL in seconds
	//
	// Returns {"DUPLICATE"}, {"SOLD_OUT", queueLength}, or
	// {"ADMITTED", position, remaining}. The queue length on SOLD_OUT is
	// a reporting hint only; admission is decided by the stock counter.
	tryAdmitScript = `
local singleFlightKey = KEYS[3]
if redis.call("EXISTS", singleFlightKey) == 1 then
	return {"DUPLICATE"}
end

local stock = tonumber(redis.call("GET", KEYS[1]))
if stock == nil or stock <= 0 then
	return {"SOLD_OUT", redis.call("ZCARD", KEYS[2])}
end

local remaining = redis.call("DECR", KEYS[1])
redis.call("ZADD", KEYS[2], "NX", ARGV[2], ARGV[1])
redis.call("SET", singleFlightKey, ARGV[2], "EX", ARGV[3])

local rank = redis.call("ZRANK", KEYS[2], ARGV[1])
local position = 1
if rank then
	position = rank + 1
end

return {"ADMITTED", position, remaining}
`

	// releaseOneScript implements ReleaseOne(P, U). It is idempotent:
	// the increment fires only when this call actually removed the
	// user's queue member, so a duplicate release is a no-op even while
	// other slots for the same product are still live, and the counter
	// can never exceed the product's initial stock.
	//
	// KEYS[1] = stock:{P}
	// KEYS[2] = queue:{P}
	// KEYS[3] = user:{U}:product:{P}
	// ARGV[1] = userId
	// ARGV[2] = initialStock
	releaseOneScript = `
local removed = redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("DEL", KEYS[3])

local initialStock = tonumber(ARGV[2])
local current = tonumber(redis.call("GET", KEYS[1]))
if current == nil then
	current = 0
end

if removed == 1 and current < initialStock then
	return redis.call("INCR", KEYS[1])
end

return current
`

	// claimPaymentScript implements ClaimPayment(K, meta) as an atomic
	// SETNX with a 24h TTL.
	//
	// KEYS[1] = pay:idem:{K}
	// ARGV[1] = meta (opaque string, typically JSON)
	// ARGV[2] = TTL in seconds
	//
	// Returns {"FIRST_CLAIM"} or {"ALREADY_CLAIMED", existingMeta}.
	claimPaymentScript = `
local existing = redis.call("GET", KEYS[1])
if existing then
	return {"ALREADY_CLAIMED", existing}
end

redis.call("SET", KEYS[1], ARGV[1], "EX", ARGV[2])
return {"FIRST_CLAIM"}
`

	// clampStockScript lowers stock:{P} to truth when the cached
	// counter exceeds it, and seeds it when absent. It never raises an
	// existing counter: an under-counting cache only under-admits,
	// which is the safe direction, while raising could race an
	// in-flight admission into over-admission.
	//
	// KEYS[1] = stock:{P}
	// ARGV[1] = truth (initialStock - |ACTIVE ∪ COMPLETED|)
	//
	// Returns 1 if the counter was corrected, 0 if left untouched.
	clampStockScript = `
local truth = tonumber(ARGV[1])
local current = tonumber(redis.call("GET", KEYS[1]))
if current == nil or current > truth then
	redis.call("SET", KEYS[1], truth)
	return 1
end
return 0
`

	// initStockScript seeds stock:{P} to initialStock only if absent,
	// so repeated product loads never reset an in-flight sale.
	//
	// KEYS[1] = stock:{P}
	// ARGV[1] = initialStock
	initStockScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
	redis.call("SET", KEYS[1], ARGV[1])
	return 1
end
return 0
`
)
