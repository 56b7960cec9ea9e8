package cdek

// City is a CDEK locality returned by the city search.
type City struct {
	Code        int    `json:"code"`
	City        string `json:"city"`
	FiasGUID    string `json:"fias_guid,omitempty"`
	CountryCode string `json:"country_code"`
	Region      string `json:"region"`
	SubRegion   string `json:"sub_region,omitempty"`
}

type Location struct {
	CountryCode string  `json:"country_code"`
	RegionCode  int     `json:"region_code"`
	Region      string  `json:"region"`
	CityCode    int     `json:"city_code"`
	City        string  `json:"city"`
	PostalCode  string  `json:"postal_code,omitempty"`
	Address     string  `json:"address"`
	AddressFull string  `json:"address_full"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
}

type Phone struct {
	Number string `json:"number"`
}

type Dimensions struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Depth  float64 `json:"depth"`
}

// DeliveryPoint is a pickup point (PVZ) or parcel locker.
type DeliveryPoint struct {
	Code                string       `json:"code"`
	Name                string       `json:"name"`
	Location            Location     `json:"location"`
	WorkTime            string       `json:"work_time"`
	Phones              []Phone      `json:"phones,omitempty"`
	Type                string       `json:"type"`
	OwnerCode           string       `json:"owner_code"`
	NearestStation      string       `json:"nearest_station,omitempty"`
	NearestMetroStation string       `json:"nearest_metro_station,omitempty"`
	HaveCashless        bool         `json:"have_cashless"`
	HaveCash            bool         `json:"have_cash"`
	IsDressingRoom      bool         `json:"is_dressing_room"`
	Dimensions          []Dimensions `json:"dimensions,omitempty"`
}

// Package is one parcel. Weight is in grams, sizes in centimetres.
type Package struct {
	Weight int `json:"weight"`
	Length int `json:"length"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DefaultPackage is used when the caller does not describe the parcel.
var DefaultPackage = Package{Weight: 1000, Length: 30, Width: 20, Height: 10}

// Tariff is a priced delivery option.
type Tariff struct {
	TariffCode        int     `json:"tariff_code"`
	TariffName        string  `json:"tariff_name"`
	TariffDescription string  `json:"tariff_description,omitempty"`
	DeliveryMode      int     `json:"delivery_mode"`
	DeliverySum       float64 `json:"delivery_sum"`
	PeriodMin         int     `json:"period_min"`
	PeriodMax         int     `json:"period_max"`
	CalendarMin       int     `json:"calendar_min,omitempty"`
	CalendarMax       int     `json:"calendar_max,omitempty"`
}

// Warehouse-to-warehouse tariffs, tried in this order.
const (
	TariffParcel        = 136
	TariffEconomyParcel = 234

	deliveryModeWarehouse = 2
)

var tariffNames = map[int]string{
	TariffParcel:        "Посылка",
	TariffEconomyParcel: "Экономичная посылка",
}

type locationCode struct {
	Code int `json:"code"`
}

type tariffRequest struct {
	TariffCode   int          `json:"tariff_code"`
	FromLocation locationCode `json:"from_location"`
	ToLocation   locationCode `json:"to_location"`
	Packages     []Package    `json:"packages"`
}

type tariffResponse struct {
	DeliverySum float64  `json:"delivery_sum"`
	TotalSum    *float64 `json:"total_sum"`
	PeriodMin   int      `json:"period_min"`
	PeriodMax   int      `json:"period_max"`
	Currency    string   `json:"currency"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
	JTI         string `json:"jti"`
}
