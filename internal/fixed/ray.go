package fixed

// RayDecimals is the number of implied decimals in a ray value.
const RayDecimals = 27

// Ray is 1e27, the unit of ray-scaled rates and reward-per-share counters.
var Ray = MustParse("1000000000000000000000000000")

// RayMul returns floor(a * b / Ray).
func RayMul(a, b Amount) (Amount, error) {
	return MulDiv(a, b, Ray)
}

// RayDiv returns floor(a * Ray / b).
func RayDiv(a, b Amount) (Amount, error) {
	return MulDiv(a, Ray, b)
}

// SimpleInterest returns floor(principal * ratePerSecond * elapsed / Ray).
//
// The principal * rate product is carried at 512 bits, so the call only
// fails when rate * elapsed exceeds 256 bits or the final interest does.
// With a rate below 1e27 (100% per second) that leaves principals of up
// to ~1e45 base units safe for any realistic elapsed time.
func SimpleInterest(principal, ratePerSecond Amount, elapsed uint64) (Amount, error) {
	if elapsed == 0 || ratePerSecond.IsZero() || principal.IsZero() {
		return Zero(), nil
	}
	rt, err := ratePerSecond.MulUint64(elapsed)
	if err != nil {
		return Amount{}, err
	}
	return MulDiv(principal, rt, Ray)
}
