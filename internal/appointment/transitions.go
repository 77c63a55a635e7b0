package appointment

// transitions is the forward-only lifecycle graph. Statuses without an entry are terminal.
var transitions = map[AppointmentStatus][]AppointmentStatus{
	StatusProposed:  {StatusPending, StatusBooked, StatusCancelled, StatusEnteredInError},
	StatusPending:   {StatusBooked, StatusWaitlist, StatusCancelled, StatusEnteredInError},
	StatusBooked:    {StatusCheckedIn, StatusArrived, StatusNoShow, StatusWaitlist, StatusCancelled, StatusEnteredInError},
	StatusCheckedIn: {StatusArrived, StatusCancelled, StatusEnteredInError},
	StatusArrived:   {StatusFulfilled, StatusEnteredInError},
	StatusWaitlist:  {StatusCancelled, StatusEnteredInError},
}

// AllStatuses lists every appointment status in the FHIR vocabulary.
var AllStatuses = []AppointmentStatus{
	StatusProposed, StatusPending, StatusBooked, StatusArrived, StatusFulfilled,
	StatusCancelled, StatusNoShow, StatusEnteredInError, StatusCheckedIn, StatusWaitlist,
}

func (s AppointmentStatus) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

func (s AppointmentStatus) Terminal() bool {
	_, ok := transitions[s]
	return s.Valid() && !ok
}

func CanTransition(from, to AppointmentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// releasesSlot reports whether entering status frees the slot the appointment holds.
func releasesSlot(to AppointmentStatus) bool {
	switch to {
	case StatusCancelled, StatusWaitlist, StatusEnteredInError:
		return true
	}
	return false
}
