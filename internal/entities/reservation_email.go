package entities

type ReservationEmailData struct {
	UserName           string
	ReservationCode    string
	RestaurantName     string
	PartySize          int
	StartTimeFormatted string
	EndTimeFormatted   string
	CurrentYear        int
	Language           string
	Status             string
}
